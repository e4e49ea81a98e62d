package persistmsg

import (
	"context"
	"database/sql/driver"
	"errors"
	"math"
	"testing"
	"time"
)

func TestFixedDelay(t *testing.T) {
	delayFunc := Fixed(5 * time.Second)

	for _, attempt := range []int{0, 1, 2, 10, 100} {
		if got := delayFunc(attempt); got != 5*time.Second {
			t.Errorf("Fixed(5s) for attempt %d = %v, want 5s", attempt, got)
		}
	}
}

func TestExponentialDelay(t *testing.T) {
	tests := []struct {
		name     string
		initial  time.Duration
		maxDelay time.Duration
		attempt  int
		expected time.Duration
	}{
		{"first attempt", time.Second, time.Minute, 0, time.Second},
		{"doubles", time.Second, time.Minute, 3, 8 * time.Second},
		{"capped", time.Second, time.Minute, 6, time.Minute},
		{"far beyond cap", time.Second, time.Minute, 1000, time.Minute},
		{"zero max delay", time.Second, 0, 2, 0},
		{"zero initial delay", 0, time.Minute, 5, 0},
		{"no overflow", 1 << 50, math.MaxInt64, 20, math.MaxInt64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Exponential(tt.initial, tt.maxDelay)(tt.attempt); got != tt.expected {
				t.Errorf("Exponential(%v, %v) for attempt %d = %v, want %v",
					tt.initial, tt.maxDelay, tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestExecutionStrategy(t *testing.T) {
	transient := errors.New("deadlock")
	classifier := func(err error) bool { return errors.Is(err, transient) }

	t.Run("retries transient failures", func(t *testing.T) {
		s := NewExecutionStrategy(WithRetryDelay(Fixed(0)), WithTransientClassifier(classifier))

		var calls int
		err := s.Execute(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("stops after max retries", func(t *testing.T) {
		s := NewExecutionStrategy(WithRetries(2), WithRetryDelay(Fixed(0)), WithTransientClassifier(classifier))

		var calls int
		err := s.Execute(context.Background(), func(context.Context) error {
			calls++
			return transient
		})
		if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, transient) {
			t.Fatalf("expected exhausted error wrapping the failure, got: %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("does not retry permanent failures", func(t *testing.T) {
		s := NewExecutionStrategy(WithRetryDelay(Fixed(0)), WithTransientClassifier(classifier))
		permanent := errors.New("constraint violation")

		var calls int
		err := s.Execute(context.Background(), func(context.Context) error {
			calls++
			return permanent
		})
		if !errors.Is(err, permanent) || calls != 1 {
			t.Fatalf("expected single call returning the failure, got %d calls and %v", calls, err)
		}
	})

	t.Run("gives up when context is cancelled", func(t *testing.T) {
		s := NewExecutionStrategy(WithRetryDelay(Fixed(time.Hour)), WithTransientClassifier(classifier))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := s.Execute(ctx, func(context.Context) error { return transient })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got: %v", err)
		}
	})
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(driver.ErrBadConn) {
		t.Error("expected driver.ErrBadConn to be transient")
	}
	if IsTransient(errors.New("syntax error")) {
		t.Error("expected plain errors not to be transient")
	}
	if IsTransient(nil) {
		t.Error("expected nil not to be transient")
	}
}
