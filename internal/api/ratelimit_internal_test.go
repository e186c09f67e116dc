package api

import (
	"testing"
	"time"

	"github.com/saveenergy/egresswatch/internal/config"
)

func TestRateLimiterPerIPExhaustion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimitPerIP = 3
	cfg.GlobalRateLimit = 100
	rl := NewRateLimiter(cfg)

	for i := 0; i < 3; i++ {
		if !rl.Allow("198.51.100.1") {
			t.Fatalf("request %d denied, want allowed", i)
		}
	}
	if rl.Allow("198.51.100.1") {
		t.Fatalf("expected fourth request to be denied")
	}
	if !rl.Allow("198.51.100.2") {
		t.Fatalf("expected other IP to be allowed")
	}
}

func TestRateLimiterGlobalRefillLowRate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.GlobalRateLimit = 30
	rl := NewRateLimiter(cfg)
	rl.globalTokens = 0
	rl.globalLastRefill = time.Now().Add(-2 * time.Second)

	if !rl.allowGlobal() {
		t.Fatalf("expected global refill to allow request at low rate")
	}
}

func TestRateLimiterRefillCapped(t *testing.T) {
	last := time.Now().Add(-time.Hour)
	got := refill(1, &last, 10, time.Now())
	if got != 10 {
		t.Fatalf("refill = %d, want cap 10", got)
	}

	recent := time.Now()
	if got := refill(4, &recent, 10, recent.Add(500*time.Millisecond)); got != 4 {
		t.Fatalf("refill within a second = %d, want 4", got)
	}
}

func TestRateLimiterCleanupRemovesStaleEntries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.GlobalRateLimit = 1000
	cfg.RateLimitPerIP = 1000

	rl := NewRateLimiter(cfg)
	rl.SetCleanupPolicy(10*time.Millisecond, 20*time.Millisecond)

	ip := "127.0.0.1"
	if !rl.Allow(ip) {
		t.Fatalf("expected allow on first request")
	}

	rl.ipMu.Lock()
	rl.ipLimits[ip].lastRefill = time.Now().Add(-time.Minute)
	rl.lastCleanup = time.Now().Add(-time.Minute)
	rl.ipMu.Unlock()

	rl.Allow("127.0.0.2")

	rl.ipMu.RLock()
	_, exists := rl.ipLimits[ip]
	rl.ipMu.RUnlock()
	if exists {
		t.Fatalf("expected stale ip limit to be cleaned up")
	}
}
