package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_DoSucceedsAfterRetries(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, Base: time.Millisecond, Factor: 2}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_DoExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Factor: 2}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_PredicateStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	policy := RetryPolicy{
		MaxAttempts:    5,
		Base:           time.Millisecond,
		Factor:         2,
		RetryPredicate: func(err error) bool { return !errors.Is(err, permanent) },
	}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Base: 50 * time.Millisecond, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.Do(ctx, func() error { return errors.New("transient") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_DelayBoundedByCap(t *testing.T) {
	policy := DefaultBusyRetryPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		d := policy.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, policy.Cap)
	}
}

func TestHashContent(t *testing.T) {
	a := HashContent([]byte("content"))
	b := HashContent([]byte("content"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Extras participate in the key.
	c := HashContent([]byte("content"), "en", "python")
	assert.NotEqual(t, a, c)

	// Extras are delimited, not concatenated.
	d := HashContent([]byte("content"), "enpython")
	assert.NotEqual(t, c, d)
}
