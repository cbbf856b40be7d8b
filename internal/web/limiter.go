package web

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAuthLimit      = 30
	DefaultAuthWindow     = time.Minute
	DefaultAuthMaxEntries = 1000
)

// authLimiter throttles rejected requests per remote host with a token bucket
// that refills limit tokens per window. At most maxHosts buckets are kept;
// the least recently seen hosts are forgotten first.
type authLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	window   time.Duration
	maxHosts int
	hosts    map[string]*hostBucket
	swept    time.Time
}

type hostBucket struct {
	*rate.Limiter
	seen time.Time
}

func newAuthLimiter(limit int, window time.Duration, maxHosts int) *authLimiter {
	if limit <= 0 {
		limit = DefaultAuthLimit
	}
	if window <= 0 {
		window = DefaultAuthWindow
	}
	if maxHosts <= 0 {
		maxHosts = DefaultAuthMaxEntries
	}
	return &authLimiter{
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
		maxHosts: maxHosts,
		hosts:    make(map[string]*hostBucket),
	}
}

func (l *authLimiter) allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	if host == "" {
		host = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) >= l.window {
		l.sweep(now)
	}
	b, ok := l.hosts[host]
	if !ok {
		if len(l.hosts) >= l.maxHosts {
			l.sweep(now)
		}
		b = &hostBucket{Limiter: rate.NewLimiter(l.every, l.burst)}
		l.hosts[host] = b
	}
	b.seen = now
	return b.AllowN(now, 1)
}

// sweep forgets hosts idle for two windows, whose buckets are full again,
// then trims the oldest hosts until there is room for one more.
func (l *authLimiter) sweep(now time.Time) {
	l.swept = now
	idle := now.Add(-2 * l.window)
	for host, b := range l.hosts {
		if b.seen.Before(idle) {
			delete(l.hosts, host)
		}
	}
	if len(l.hosts) < l.maxHosts {
		return
	}
	byAge := make([]string, 0, len(l.hosts))
	for host := range l.hosts {
		byAge = append(byAge, host)
	}
	sort.Slice(byAge, func(i, j int) bool { return l.hosts[byAge[i]].seen.Before(l.hosts[byAge[j]].seen) })
	for _, host := range byAge[:len(byAge)-l.maxHosts+1] {
		delete(l.hosts, host)
	}
}
