// Package ratelimit throttles HTTP callers by client IP or by user.
package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jw6ventures/calsync/internal/metrics"
)

const defaultMaxEntries = 10000

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

// Limiter keeps one token bucket per key.
type Limiter struct {
	scope      string
	key        KeyFunc
	rate       rate.Limit
	burst      int
	idle       time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New builds a limiter. idle is how long an untouched bucket survives a sweep.
func New(scope string, r rate.Limit, burst int, idle time.Duration, key KeyFunc) *Limiter {
	return &Limiter{
		scope:      scope,
		key:        key,
		rate:       r,
		burst:      burst,
		idle:       idle,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// Run sweeps idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for k, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Allow reports whether one more request under key fits the budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxEntries {
			l.evictOldest()
		}
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastAccess = l.now()
	return b.limiter.AllowN(b.lastAccess, 1)
}

func (l *Limiter) evictOldest() {
	var oldest string
	var oldestAt time.Time
	for k, b := range l.buckets {
		if oldest == "" || b.lastAccess.Before(oldestAt) {
			oldest, oldestAt = k, b.lastAccess
		}
	}
	if oldest != "" {
		delete(l.buckets, oldest)
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware answers 429 with a JSON error once a key runs out of tokens.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	retryAfter := "1"
	if l.rate > 0 && l.rate < 1 {
		retryAfter = strconv.Itoa(int(1/float64(l.rate)) + 1)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.key(r)) {
				metrics.ObserveRateLimited(l.scope)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ByHeader keys on a request header and falls back when it is empty.
func ByHeader(name string, fallback KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return name + ":" + v
		}
		return fallback(r)
	}
}

// ByIP keys on the client address. Forwarding headers are honored only when
// the peer is a trusted proxy; an empty list trusts every peer.
func ByIP(trustedProxies []string) KeyFunc {
	trusted := parseNets(trustedProxies)
	return func(r *http.Request) string {
		return clientIP(r, trusted)
	}
}

func parseNets(entries []string) []*net.IPNet {
	var out []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			out = append(out, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip, bits = ip.To4(), 32
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func clientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := parseIP(r.RemoteAddr)
	if len(trusted) > 0 && !contains(trusted, peer) {
		return peer.String()
	}

	// Leftmost entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip.String()
		}
	}
	return peer.String()
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
