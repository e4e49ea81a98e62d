// Package nats publishes outbox events to NATS subjects and subscribes inbound handlers to them.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/oagudo/persistmsg"
)

// MsgPublisher is the subset of *nats.Conn used by Publisher.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher is a persistmsg.Publisher sending every event to a single subject.
type Publisher struct {
	conn    MsgPublisher
	subject string
}

// NewPublisher creates a Publisher for subject.
func NewPublisher(conn MsgPublisher, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

func (p *Publisher) Publish(ctx context.Context, ev persistmsg.Event, mutate persistmsg.HeaderMutator) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.EventID(), err)
	}

	msg := &nats.Msg{
		Subject: p.subject,
		Data:    body,
		Header:  make(nats.Header),
	}
	mutate(func(k string, v any) {
		msg.Header.Set(k, fmt.Sprint(v))
	})

	return p.conn.PublishMsg(msg)
}

// QueueSubscriber is the subset of *nats.Conn used by Subscribe.
type QueueSubscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Consumer hands NATS messages to an inbound handler.
// Core NATS does not redeliver, so a failed message is only logged.
type Consumer struct {
	registry *persistmsg.Registry
	handler  persistmsg.Handler
	logger   *zap.Logger
	timeout  time.Duration
}

// ConsumerOption is a function that configures a Consumer instance.
type ConsumerOption func(*Consumer)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandlerTimeout bounds the time a handler may take per message.
// Default is 30 seconds.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewConsumer creates a Consumer decoding payloads with registry.
func NewConsumer(registry *persistmsg.Registry, handler persistmsg.Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		registry: registry,
		handler:  handler,
		logger:   zap.NewNop(),
		timeout:  30 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Subscribe subscribes the consumer to subject as a member of queue group.
// Handlers run with a context derived from ctx.
func (c *Consumer) Subscribe(ctx context.Context, conn QueueSubscriber, subject, queue string) (*nats.Subscription, error) {
	sub, err := conn.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		if err := c.HandleMsg(ctx, m); err != nil {
			c.logger.Warn("nats message not handled",
				zap.String("subject", m.Subject),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

// HandleMsg decodes m and calls the handler.
func (c *Consumer) HandleMsg(ctx context.Context, m *nats.Msg) error {
	headers := persistmsg.Headers{}
	for k := range m.Header {
		headers.Set(k, m.Header.Get(k))
	}

	in, err := persistmsg.DecodeInbound(c.registry, m.Data, headers)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.handler(ctx, in)
}
