// Package retry implements bounded retries with exponential backoff.
// Errors opt in by wrapping themselves as transient; anything else stops
// the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy bounds how a transient failure is retried.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// LoginPolicy is the policy for session establishment. Login is slow and
// rare, so it can afford a generous backoff cap; two retries on top of the
// first attempt keeps the budget at three captcha solves.
func LoginPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// FetchPolicy is the policy for a single invoice detail fetch inside a
// batch. The cap is short because the whole batch waits on the slowest task.
func FetchPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// TransientError marks an error as retryable, optionally carrying an
// upstream hint for how long to wait.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %v)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// TransientWithDelay wraps err as retryable with an explicit wait hint.
func TransientWithDelay(err error, delay time.Duration) error {
	return &TransientError{Err: err, RetryAfter: delay}
}

// IsTransient reports whether err should trigger a retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	return errors.As(err, &transient)
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt budget runs out. Backoff grows exponentially between attempts and
// honors an upstream retry-after hint when one is present.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == policy.MaxRetries {
			break
		}

		backoff := backoffFor(policy, attempt)
		var transient *TransientError
		if errors.As(err, &transient) && transient.RetryAfter > 0 {
			backoff = transient.RetryAfter
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("max retries exceeded (%d): %w", policy.MaxRetries, lastErr)
}

func backoffFor(policy Policy, attempt int) time.Duration {
	backoff := float64(policy.InitialBackoff) * math.Pow(policy.BackoffFactor, float64(attempt))
	if backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}

	duration := time.Duration(backoff)
	if policy.Jitter {
		duration += time.Duration(rand.Float64() * 0.1 * float64(duration))
	}
	return duration
}
