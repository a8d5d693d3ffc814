// ABOUTME: Central retry helper for idempotent compute engine reads
// ABOUTME: Wraps cenkalti/backoff and returns a tagged Result instead of panicking callers

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/consult-gateway/internal/errs"
)

// Policy controls how an operation is retried. Only errors whose kind is listed
// in Retryable are retried; everything else returns after the first attempt.
type Policy struct {
	MaxRetries      int
	Retryable       []errs.Kind
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy retries transient upstream and timeout failures twice.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      2,
		Retryable:       []errs.Kind{errs.KindUpstream, errs.KindTimeout},
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// Result is the outcome of Do.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// Ok reports whether the operation eventually succeeded.
func (r Result[T]) Ok() bool {
	return r.Err == nil
}

func (p Policy) retryable(err error) bool {
	kind := errs.KindOf(err)
	for _, k := range p.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// Do runs op until it succeeds, fails with a non-retryable error, exhausts
// MaxRetries, or ctx is done. Never wrap non-idempotent calls such as checkpoint
// resolution in Do.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) Result[T] {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempts := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && !p.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1)))

	return Result[T]{Value: v, Err: err, Attempts: attempts}
}
