package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connRateLimiter is the router's DoS-resistance layer on top of
// admission control: a two-level token bucket (per-IP and global) in
// front of the WebSocket upgrade, ported from the teacher's
// internal/shared/limits/connection_rate_limiter.go. Per-message rate
// limiting (tile churn, setCell) is a different concern living in
// internal/ratelimit; this one only guards connection attempts.
type connRateLimiter struct {
	ipMu     sync.Mutex
	ipLimits map[string]*ipEntry
	ipBurst  int
	ipRate   rate.Limit
	ipTTL    time.Duration

	global *rate.Limiter

	stop chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// connRateLimiterConfig mirrors the four GRIDCORE_CONN_RATE_* settings.
type connRateLimiterConfig struct {
	IPBurst     int
	IPRate      int
	GlobalBurst int
	GlobalRate  int
}

func newConnRateLimiter(cfg connRateLimiterConfig) *connRateLimiter {
	l := &connRateLimiter{
		ipLimits: make(map[string]*ipEntry),
		ipBurst:  cfg.IPBurst,
		ipRate:   rate.Limit(cfg.IPRate),
		ipTTL:    5 * time.Minute,
		global:   rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// allow reports whether a new connection attempt from ip should proceed,
// checking the global bucket first (cheap, no map lookup) then the
// per-IP bucket.
func (l *connRateLimiter) allow(ip string) (ok bool, reason string) {
	if !l.global.Allow() {
		return false, "global_rate_limited"
	}
	if !l.ipLimiterFor(ip).Allow() {
		return false, "ip_rate_limited"
	}
	return true, ""
}

func (l *connRateLimiter) ipLimiterFor(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimits[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst), lastAccess: time.Now()}
	l.ipLimits[ip] = entry
	return entry.limiter
}

func (l *connRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *connRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range l.ipLimits {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimits, ip)
		}
	}
}

func (l *connRateLimiter) Close() { close(l.stop) }
