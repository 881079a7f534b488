package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("gateway timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	sentinel := errors.New("charge declined upstream")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want the last failure", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	declined := errors.New("card declined")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		return Permanent(declined)
	})
	if !errors.Is(err, declined) {
		t.Fatalf("err = %v, want the declined error unwrapped", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1: a decline must not be re-charged", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		attempts++
		return errors.New("still down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts == 0 {
		t.Error("fn never ran")
	}
}

func TestDoTreatsZeroAttemptsAsOne(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		attempts++
		return errors.New("nope")
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPermanentErrorUnwraps(t *testing.T) {
	base := errors.New("invalid destination account")
	wrapped := Permanent(base)
	if !errors.Is(wrapped, base) {
		t.Error("Permanent must preserve the error chain")
	}
	if wrapped.Error() != base.Error() {
		t.Errorf("message = %q, want %q", wrapped.Error(), base.Error())
	}
}
