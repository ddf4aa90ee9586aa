// Package ratelimit provides the token-bucket limiter the provider adapters
// share to stay inside per-minute request budgets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// A Limiter implements the token bucket algorithm.
type Limiter struct {
	mu       sync.Mutex // protect access to lastTime and tokens
	lastTime time.Time
	tokens   int

	window time.Duration
	rate   int
}

// New creates a limiter allowing rate units of work over the provided time
// window. E.g. New(20, time.Minute) allows 20 units of work per minute.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		window:   window,
		rate:     rate,
		lastTime: time.Now(),
		tokens:   rate,
	}
}

// Acquire returns nil if work can proceed. If the provided context is Done
// Acquire will return context.Err(). If the bucket is empty, Acquire will
// sleep until at least one token is available.
func (rl *Limiter) Acquire(ctx context.Context) error {
	for {
		if ok := rl.tryAcquire(); ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.window / time.Duration(rl.rate)):
			// The bucket is empty. Assuming an even distribution of tokens
			// across the window, wait 1/Nth of the window duration to allow
			// at least one token to accumulate, then try again.
		}
	}
}

func (rl *Limiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastTime)
	rl.lastTime = now

	// Refill the bucket proportionally to the time since the last call.
	rl.tokens += int(elapsed.Nanoseconds() * int64(rl.rate) / rl.window.Nanoseconds())
	rl.tokens = min(rl.tokens, rl.rate)
	if rl.tokens <= 0 {
		return false
	}

	rl.tokens--
	return true
}
