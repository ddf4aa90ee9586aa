package vision

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy retries provider calls that failed with ErrUnavailable, backing
// off exponentially between attempts (1s, 2s, 4s, ... for a 1s base). All
// other failures return immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry; each further retry
	// doubles it.
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the provider rate-limit guidance: three total
// attempts, one second base delay.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryPolicy.MaxAttempts
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}

	var err error
	for n := range attempts {
		if n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(base << (n - 1)):
			}
		}

		err = fn()
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
	}

	return err
}
