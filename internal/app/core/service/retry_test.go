package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_Success(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond}

	err := Retry(context.Background(), policy, func() error {
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2}
	attempts := 0

	err := Retry(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_AllFail(t *testing.T) {
	policy := RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond}
	testErr := errors.New("always fail")

	err := Retry(context.Background(), policy, func() error {
		return testErr
	})

	if err != testErr {
		t.Errorf("expected testErr, got %v", err)
	}
}

func TestRetry_StopRetryingShortCircuits(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, InitialBackoff: time.Millisecond}
	testErr := errors.New("not worth retrying")
	attempts := 0

	err := Retry(context.Background(), policy, func() error {
		attempts++
		return StopRetrying(testErr)
	})

	if !errors.Is(err, testErr) && err != testErr {
		t.Errorf("expected testErr, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestRetry_CancelledContextStopsBackoff(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, policy, func() error {
		attempts++
		return errors.New("fail")
	})

	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt before the backoff wait, got %d", attempts)
	}
}
