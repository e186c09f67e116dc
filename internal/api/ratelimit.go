package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/saveenergy/egresswatch/internal/config"
)

// RateLimiter is a per-minute token bucket applied per client IP and
// globally. Buckets refill continuously and idle IP buckets are swept.
type RateLimiter struct {
	perIP            int
	global           int
	ipLimits         map[string]*IPLimit
	ipMu             sync.RWMutex
	globalTokens     int
	globalMu         sync.Mutex
	globalLastRefill time.Time
	lastCleanup      time.Time
	cleanupInterval  time.Duration
	ipLimitTTL       time.Duration
	clientIPResolver *ClientIPResolver
}

type IPLimit struct {
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
}

func NewRateLimiter(cfg *config.Config) *RateLimiter {
	return &RateLimiter{
		perIP:            cfg.RateLimitPerIP,
		global:           cfg.GlobalRateLimit,
		ipLimits:         make(map[string]*IPLimit),
		globalTokens:     cfg.GlobalRateLimit,
		globalLastRefill: time.Now(),
		lastCleanup:      time.Now(),
		cleanupInterval:  5 * time.Minute,
		ipLimitTTL:       10 * time.Minute,
		clientIPResolver: NewClientIPResolver(cfg),
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	return rl.allowGlobal() && rl.allowIP(ip)
}

func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return requestClientIP(rl.clientIPResolver, r)
}

// SetCleanupPolicy overrides cleanup interval and TTL (mainly for tests).
func (rl *RateLimiter) SetCleanupPolicy(cleanupInterval, ipLimitTTL time.Duration) {
	rl.ipMu.Lock()
	defer rl.ipMu.Unlock()
	rl.cleanupInterval = cleanupInterval
	rl.ipLimitTTL = ipLimitTTL
	rl.lastCleanup = time.Now()
}

// refill tops up tokens at limit per minute, capped at limit.
func refill(tokens int, lastRefill *time.Time, limit int, now time.Time) int {
	elapsed := now.Sub(*lastRefill)
	if elapsed < time.Second {
		return tokens
	}
	add := int(elapsed.Seconds() * float64(limit) / 60.0)
	if add <= 0 {
		return tokens
	}
	*lastRefill = now
	if tokens+add > limit {
		return limit
	}
	return tokens + add
}

func (rl *RateLimiter) allowGlobal() bool {
	rl.globalMu.Lock()
	defer rl.globalMu.Unlock()

	rl.globalTokens = refill(rl.globalTokens, &rl.globalLastRefill, rl.global, time.Now())
	if rl.globalTokens > 0 {
		rl.globalTokens--
		return true
	}
	return false
}

func (rl *RateLimiter) allowIP(ip string) bool {
	now := time.Now()
	rl.ipMu.Lock()
	if rl.cleanupInterval > 0 && rl.ipLimitTTL > 0 && now.Sub(rl.lastCleanup) >= rl.cleanupInterval {
		rl.sweepLocked(now)
	}
	limit, exists := rl.ipLimits[ip]
	if !exists {
		limit = &IPLimit{tokens: rl.perIP, lastRefill: now}
		rl.ipLimits[ip] = limit
	}
	rl.ipMu.Unlock()

	limit.mu.Lock()
	defer limit.mu.Unlock()

	limit.tokens = refill(limit.tokens, &limit.lastRefill, rl.perIP, now)
	if limit.tokens > 0 {
		limit.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, limit := range rl.ipLimits {
		limit.mu.Lock()
		lastRefill := limit.lastRefill
		limit.mu.Unlock()
		if now.Sub(lastRefill) >= rl.ipLimitTTL {
			delete(rl.ipLimits, key)
		}
	}
	rl.lastCleanup = now
}

// applyRateLimit wraps a handler with rate limit checking.
func applyRateLimit(limiter *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := limiter.ClientIP(r)
		if !limiter.Allow(ip) {
			w.Header().Set("Retry-After", "60")
			respondJSON(w, map[string]string{"error": "rate limit exceeded"}, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
