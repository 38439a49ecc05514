package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultCleanupInterval is how often idle limiter entries are reaped.
	defaultCleanupInterval = 5 * time.Minute

	// defaultMaxIdle is how long an identifier may go unseen before its
	// limiter is dropped.
	defaultMaxIdle = 30 * time.Minute
)

// limiterEntry tracks a per-identifier token bucket and its last use.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier (typically per-IP) token-bucket rate
// limiting. Idle entries are reaped by a background goroutine so the map
// stays bounded by the set of recently active identifiers.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry

	rate    rate.Limit
	burst   int
	maxIdle time.Duration

	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond sustained
// requests with the given burst per identifier, and starts its cleanup
// goroutine. Call Stop to release it.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*limiterEntry),
		rate:        rate.Limit(requestsPerSecond),
		burst:       burst,
		maxIdle:     defaultMaxIdle,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the given identifier is within its
// rate budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[identifier]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rl.rate, rl.burst),
		}
		rl.limiters[identifier] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter.Allow()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.maxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that have not been used for maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, id)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
