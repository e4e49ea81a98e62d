package persistmsg

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

// DelayFunc returns the delay to wait after the given zero based attempt.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that waits the same delay after every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay after every attempt,
// starting at initial and never exceeding maxDelay.
//
// For example, with initial 100ms and maxDelay 1s the delays are
// 100ms, 200ms, 400ms, 800ms, 1s, 1s, ...
func Exponential(initial, maxDelay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := initial
		for i := 0; i < attempt && d > 0 && d < maxDelay; i++ {
			if d > math.MaxInt64/2 {
				return maxDelay
			}
			d *= 2
		}
		return min(d, maxDelay)
	}
}

// TransientClassifier reports whether an error is a transient storage fault
// that is worth retrying.
type TransientClassifier func(err error) bool

// IsTransient is the default TransientClassifier. It recognises broken driver
// connections and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExecutionStrategy runs storage operations and retries them on transient faults.
type ExecutionStrategy struct {
	maxRetries  int
	delayFunc   DelayFunc
	isTransient TransientClassifier
}

// RetryOption is a function that configures an ExecutionStrategy.
type RetryOption func(*ExecutionStrategy)

// WithRetries sets how many times a failed operation is retried.
// Default is 3. Zero disables retries.
func WithRetries(n int) RetryOption {
	return func(s *ExecutionStrategy) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryDelay sets the delay function applied between attempts.
// Default is Exponential(100ms, 5s).
func WithRetryDelay(delayFunc DelayFunc) RetryOption {
	return func(s *ExecutionStrategy) {
		if delayFunc != nil {
			s.delayFunc = delayFunc
		}
	}
}

// WithTransientClassifier sets the function deciding which errors are retried.
// Default is IsTransient.
func WithTransientClassifier(fn TransientClassifier) RetryOption {
	return func(s *ExecutionStrategy) {
		if fn != nil {
			s.isTransient = fn
		}
	}
}

// NewExecutionStrategy creates an ExecutionStrategy with the given options.
func NewExecutionStrategy(opts ...RetryOption) *ExecutionStrategy {
	s := &ExecutionStrategy{
		maxRetries:  3,
		delayFunc:   Exponential(100*time.Millisecond, 5*time.Second),
		isTransient: IsTransient,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Execute runs op until it succeeds, fails with a non transient error, or the
// retries are exhausted. In the last case the returned error wraps both
// ErrRetriesExhausted and the last failure.
func (s *ExecutionStrategy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !s.isTransient(err) {
			return err
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}
		if err := sleepWithContext(ctx, s.delayFunc(attempt)); err != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for retry: %w", ctx.Err())
	}
}
