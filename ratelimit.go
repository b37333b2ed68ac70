package guard

import (
	"sync"
	"time"
)

// RateLimiter tracks recent attempt timestamps per identifier and
// enforces a ceiling over a rolling window. State is in-memory and
// scoped to this process; entries are pruned lazily on access.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
	}
}

// CheckAndRecord prunes timestamps older than the window, then reports
// whether another attempt is allowed for the identifier. When the pruned
// count is already at the ceiling it returns false without recording;
// otherwise the attempt is recorded and true is returned.
func (rl *RateLimiter) CheckAndRecord(identifier string, maxAttempts int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recorded := rl.attempts[identifier]

	// Keep only attempts within the trailing window
	valid := recorded[:0]
	for _, at := range recorded {
		if now.Sub(at) < window {
			valid = append(valid, at)
		}
	}

	if len(valid) >= maxAttempts {
		rl.attempts[identifier] = valid
		return false
	}

	rl.attempts[identifier] = append(valid, now)
	return true
}

// Cleanup removes identifiers whose every recorded attempt is older than
// the given window, bounding memory for clients that went quiet
func (rl *RateLimiter) Cleanup(window time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for identifier, recorded := range rl.attempts {
		stale := true
		for _, at := range recorded {
			if now.Sub(at) < window {
				stale = false
				break
			}
		}
		if stale {
			delete(rl.attempts, identifier)
		}
	}
}
