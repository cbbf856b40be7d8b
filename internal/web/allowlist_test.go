package web

import "testing"

func TestCIDRAllowlist(t *testing.T) {
	a, err := ParseCIDRAllowlist([]string{"192.0.2.0/24", " 2001:db8::/32", "10.1.2.3", "localhost"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for host, want := range map[string]bool{
		"192.0.2.10":        true,
		"::ffff:192.0.2.10": true,
		"2001:db8::1":       true,
		"10.1.2.3":          true,
		"10.1.2.4":          false,
		"127.0.0.1":         true,
		"127.0.0.53":        true,
		"::1":               true,
		"fe80::1%eth0":      false,
		"198.51.100.1":      false,
		"":                  false,
		"not-an-ip":         false,
	} {
		if got := a.Allows(host); got != want {
			t.Fatalf("Allows(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestCIDRAllowlistRejectsGarbage(t *testing.T) {
	for _, entry := range []string{"not-a-cidr", "10.0.0.0/40"} {
		if a, err := ParseCIDRAllowlist([]string{entry}); err == nil || a != nil {
			t.Fatalf("%q: expected an error and no allowlist", entry)
		}
	}
}

func TestCIDRAllowlistEmptyAllowsAll(t *testing.T) {
	a, err := ParseCIDRAllowlist([]string{" ", ""})
	if err != nil || a != nil {
		t.Fatalf("expected no allowlist, got %v %v", a, err)
	}
	if !a.Allows("198.51.100.1") {
		t.Fatal("expected a nil allowlist to allow every host")
	}
}
