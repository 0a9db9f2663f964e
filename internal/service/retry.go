package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// RetryPolicy decides how often a failed item is attempted again. The caller
// keeps the idempotency key fixed across attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable defaults to domain.IsRetryable.
	Retryable func(error) bool
}

// NoRetry attempts exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Backoff is the wait before attempt n+1, doubling from BaseDelay up to MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.BaseDelay <= 0 || n < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, attempts
// run out or ctx is done. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsRetryable
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil || attempt >= maxAttempts || !retryable(err) {
			return attempt, err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
