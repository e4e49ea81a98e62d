// Package kafka publishes outbox events to Kafka and feeds Kafka messages to inbound handlers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/oagudo/persistmsg"
)

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Publisher is a persistmsg.Publisher writing every event as one Kafka message
// keyed by the event id.
type Publisher struct {
	writer MessageWriter
}

// NewPublisher creates a Publisher. The topic is configured on the writer.
func NewPublisher(w MessageWriter) *Publisher {
	return &Publisher{writer: w}
}

func (p *Publisher) Publish(ctx context.Context, ev persistmsg.Event, mutate persistmsg.HeaderMutator) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.EventID(), err)
	}

	var headers []kafkago.Header
	mutate(func(k string, v any) {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(fmt.Sprint(v))})
	})

	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:     []byte(ev.EventID().String()),
		Value:   body,
		Headers: headers,
	})
}

// MessageReader is the subset of *kafka.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Consumer reads messages from a consumer group and passes them to a handler,
// committing the offset of a message once it was handled.
//
// A message whose handler fails is retried until it succeeds, so that its offset is never
// committed past an unhandled message. Messages that cannot be decoded are logged and skipped.
type Consumer struct {
	reader   MessageReader
	registry *persistmsg.Registry
	handler  persistmsg.Handler
	logger   *zap.Logger
	delay    persistmsg.DelayFunc
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

// WithRetryDelay sets the delay between attempts to handle a failing message.
// Default is Exponential(200ms, 30s).
func WithRetryDelay(delay persistmsg.DelayFunc) ConsumerOption {
	return func(c *Consumer) {
		if delay != nil {
			c.delay = delay
		}
	}
}

// NewConsumer creates a Consumer decoding payloads with registry.
func NewConsumer(r MessageReader, registry *persistmsg.Registry, handler persistmsg.Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:   r,
		registry: registry,
		handler:  handler,
		logger:   zap.NewNop(),
		delay:    persistmsg.Exponential(200*time.Millisecond, 30*time.Second),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run consumes messages until ctx is cancelled, in which case it returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching kafka message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			return nil // cancelled while retrying
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("committing kafka message at offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) error {
	headers := persistmsg.Headers{}
	for _, h := range msg.Headers {
		headers.Set(h.Key, string(h.Value))
	}

	in, err := persistmsg.DecodeInbound(c.registry, msg.Value, headers)
	if err != nil {
		c.logger.Warn("skipping undecodable kafka message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	for attempt := 0; ; attempt++ {
		err := c.handler(ctx, in)
		if err == nil {
			return nil
		}
		c.logger.Warn("kafka message handler failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(c.delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		}
	}
}
