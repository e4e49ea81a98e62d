// Package breaker guards a persistmsg.Publisher with a circuit breaker so that a broker
// outage fails outbox deliveries fast instead of waiting on every record.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/oagudo/persistmsg"
)

// ErrOpen is returned by Publish while the circuit is open or half-open and saturated.
// Records rejected this way stay in progress and are picked up by the next sweep.
var ErrOpen = errors.New("publisher circuit open")

// Settings configures the breaker.
type Settings struct {
	// Name identifies the breaker in logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before a trial publish is allowed.
	OpenTimeout time.Duration
}

// DefaultSettings returns settings opening after 5 consecutive failures for 30 seconds.
func DefaultSettings() Settings {
	return Settings{
		Name:             "publisher",
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Publisher decorates a persistmsg.Publisher with a circuit breaker.
type Publisher struct {
	next    persistmsg.Publisher
	breaker *gobreaker.CircuitBreaker
}

// New wraps next. Zero fields in s fall back to DefaultSettings.
func New(next persistmsg.Publisher, s Settings, logger *zap.Logger) *Publisher {
	def := DefaultSettings()
	if s.Name == "" {
		s.Name = def.Name
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = def.OpenTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Publisher{
		next: next,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.FailureThreshold
			},
			// A cancelled sweep says nothing about the broker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("publisher circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

func (p *Publisher) Publish(ctx context.Context, ev persistmsg.Event, headers persistmsg.HeaderMutator) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, ev, headers)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrOpen, p.breaker.Name(), err)
	}
	return err
}

// State returns the current breaker state name: "closed", "half-open" or "open".
func (p *Publisher) State() string {
	return p.breaker.State().String()
}
