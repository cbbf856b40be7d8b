package web

import (
	"fmt"
	"net/netip"
	"strings"
)

// CIDRAllowlist restricts the HTTP endpoints to a set of networks. A nil
// allowlist lets every host through.
type CIDRAllowlist struct {
	loopback bool
	prefixes []netip.Prefix
}

// ParseCIDRAllowlist accepts CIDRs, single addresses and "localhost", which
// admits every loopback address. Blank entries are skipped; with nothing
// left it returns nil.
func ParseCIDRAllowlist(entries []string) (*CIDRAllowlist, error) {
	var a CIDRAllowlist
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, "localhost") {
			a.loopback = true
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("allowlist entry %q is not an address or CIDR", entry)
			}
			entry = netip.PrefixFrom(addr, addr.BitLen()).String()
		}
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q is not an address or CIDR", entry)
		}
		a.prefixes = append(a.prefixes, p.Masked())
	}
	if !a.loopback && len(a.prefixes) == 0 {
		return nil, nil
	}
	return &a, nil
}

// Allows reports whether host, an IP without a port, is admitted. Zoned
// addresses are never admitted by a prefix.
func (a *CIDRAllowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if a.loopback && addr.IsLoopback() {
		return true
	}
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
