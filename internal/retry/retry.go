// Package retry runs provider calls with a bounded number of attempts and a
// linearly increasing delay between them.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 2 * time.Second
	DefaultTimeout     = 10 * time.Second
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Timeout     time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay, Timeout: DefaultTimeout}
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// are exhausted or ctx is done. Each attempt runs under its own timeout.
// notify, when set, is called after every failed attempt that will be
// retried. The number of attempts made is returned with the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, notify func(attempt int, err error, wait time.Duration)) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	attempts := 0
	op := func() error {
		attempts++
		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		return fn(callCtx)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: p.Delay}, uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})
	return attempts, err
}
