// -----------------------------------------------------------------------
// Retry - Explicit retry loop driven by a RetryPolicy value
// -----------------------------------------------------------------------

package common

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy describes a bounded exponential backoff with jitter.
// It is a plain value consumed by Do; there is no hidden control flow.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay, e.g. 0.25 for +/-25%
	Cap         time.Duration

	// RetryPredicate decides whether an error is worth retrying.
	// A nil predicate retries every error.
	RetryPredicate func(error) bool
}

// DefaultBusyRetryPolicy matches the database-busy contract:
// base 50ms, factor 2, jitter +/-25%, cap 2s.
func DefaultBusyRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		Base:        50 * time.Millisecond,
		Factor:      2,
		Jitter:      0.25,
		Cap:         2 * time.Second,
	}
}

// Delay returns the backoff before the given attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Cap {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	if p.Cap > 0 && time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. Non-retryable errors (per the predicate) surface immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if p.RetryPredicate != nil && !p.RetryPredicate(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
