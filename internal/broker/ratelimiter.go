package broker

import (
	"sync"
	"time"
)

// rateLimiter is a simple token-bucket limiter shared across the adapter's
// outbound calls to the broker's gateway.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

func newRateLimiter(maxTokens int, refillRate time.Duration) *rateLimiter {
	return &rateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// acquire blocks until a token is available.
func (rl *rateLimiter) acquire() {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return
		}
		rl.mu.Unlock()
		time.Sleep(rl.refillRate)
	}
}

func (rl *rateLimiter) refill() {
	elapsed := time.Since(rl.lastRefill)
	if elapsed < rl.refillRate {
		return
	}
	add := int(elapsed / rl.refillRate)
	if add <= 0 {
		return
	}
	rl.tokens += add
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = time.Now()
}
