package service

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy governs retry behavior.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy preserves current behavior (single attempt, no backoff).
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       1,
	InitialBackoff: 0,
	MaxBackoff:     0,
	Multiplier:     1,
}

// permanentError marks an error as not worth retrying even though attempts
// remain. StopRetrying wraps an error to produce one; Retry unwraps it
// before returning.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// StopRetrying wraps err so Retry returns immediately instead of
// consuming the rest of the policy's attempts on a failure that will not
// change on its own (a validation error, as opposed to a lost race or a
// transient connection error).
func StopRetrying(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn with the provided policy. It returns the last error (if any).
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	backoff := policy.InitialBackoff
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == policy.Attempts {
			return err
		}
		// Apply backoff before next attempt if requested.
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			next := time.Duration(float64(backoff) * policy.Multiplier)
			if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
				next = policy.MaxBackoff
			}
			backoff = next
		}
	}
	return nil
}
