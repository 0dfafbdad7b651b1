// Package retry runs a fallible operation a bounded number of times with a
// fixed pause between attempts.
//
// The wrapper knows nothing about what it runs. When the operation both signs
// and submits a transaction, a failure observed after the network accepted the
// transaction (for example a timeout waiting for the acknowledgement) leads to
// a second submission. No idempotency key is attached; callers that cannot
// tolerate a double payment must check the ledger before retrying.
package retry

import (
	"context"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 800 * time.Millisecond
)

type policy struct {
	maxAttempts int
	delay       time.Duration
	retryIf     func(error) bool
	onRetry     func(attempt int, err error)
}

// Option customises a single Do call.
type Option func(*policy)

// WithMaxAttempts sets the total number of invocations, including the first.
// Values below 1 are treated as 1.
func WithMaxAttempts(n int) Option {
	return func(p *policy) {
		if n < 1 {
			n = 1
		}
		p.maxAttempts = n
	}
}

// WithDelay sets the fixed pause between attempts.
func WithDelay(d time.Duration) Option {
	return func(p *policy) {
		if d < 0 {
			d = 0
		}
		p.delay = d
	}
}

// WithRetryIf stops retrying as soon as fn returns false for an error.
// By default every error is retried.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *policy) {
		if fn != nil {
			p.retryIf = fn
		}
	}
}

// WithOnRetry registers a hook invoked after a failed attempt that will be
// followed by another one.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(p *policy) {
		if fn != nil {
			p.onRetry = fn
		}
	}
}

func newPolicy(opts []Option) *policy {
	p := &policy{
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultDelay,
		retryIf:     func(error) bool { return true },
		onRetry:     func(int, error) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do invokes op until it succeeds or the attempt budget is spent. Attempts
// never overlap. On exhaustion the error of the last attempt is returned as is.
// If ctx is cancelled during a pause, Do stops and returns the last error.
func Do[T any](ctx context.Context, op func(context.Context) (T, error), opts ...Option) (T, error) {
	p := newPolicy(opts)

	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == p.maxAttempts || !p.retryIf(err) {
			break
		}

		p.onRetry(attempt, err)

		if !sleep(ctx, p.delay) {
			break
		}
	}

	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
