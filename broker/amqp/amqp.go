// Package amqp publishes outbox events to RabbitMQ and consumes queues into inbound handlers.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/oagudo/persistmsg"
)

// PublishChannel is the subset of *amqp.Channel used by Publisher.
type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Publisher is a persistmsg.Publisher sending persistent JSON messages to an exchange.
type Publisher struct {
	ch         PublishChannel
	exchange   string
	routingKey string
	now        func() time.Time
}

// NewPublisher creates a Publisher routing every event with routingKey on exchange.
func NewPublisher(ch PublishChannel, exchange, routingKey string) *Publisher {
	return &Publisher{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		now:        time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, ev persistmsg.Event, mutate persistmsg.HeaderMutator) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.EventID(), err)
	}

	headers := amqp091.Table{}
	mutate(func(k string, v any) {
		headers[k] = fmt.Sprint(v)
	})

	msgType, _ := headers[persistmsg.HeaderMessageType].(string)

	return p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.EventID().String(),
		Type:         msgType,
		Timestamp:    p.now().UTC(),
		Headers:      headers,
		Body:         body,
	})
}

// ConsumeChannel is the subset of *amqp.Channel used by Consumer.
type ConsumeChannel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// Consumer consumes a queue with manual acknowledgements.
// A delivery is acked once handled, requeued when the handler fails and
// rejected without requeue when its payload cannot be decoded.
type Consumer struct {
	ch       ConsumeChannel
	queue    string
	tag      string
	registry *persistmsg.Registry
	handler  persistmsg.Handler
	logger   *zap.Logger
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

// WithConsumerTag sets the consumer tag. Default lets the server generate one.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

// NewConsumer creates a Consumer decoding payloads with registry.
func NewConsumer(ch ConsumeChannel, queue string, registry *persistmsg.Registry, handler persistmsg.Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:       ch,
		queue:    queue,
		registry: registry,
		handler:  handler,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ErrDeliveriesClosed is returned by Run when the server closes the delivery channel.
var ErrDeliveriesClosed = errors.New("amqp delivery channel closed")

// Run consumes deliveries until ctx is cancelled, in which case it returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming queue %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	headers := persistmsg.Headers{}
	for k, v := range d.Headers {
		headers.Set(k, v)
	}
	if _, ok := headers.Get(persistmsg.HeaderMessageType); !ok && d.Type != "" {
		headers.Set(persistmsg.HeaderMessageType, d.Type)
	}

	logger := c.logger.With(zap.String("queue", c.queue), zap.String("message_id", d.MessageId))

	in, err := persistmsg.DecodeInbound(c.registry, d.Body, headers)
	if err != nil {
		logger.Warn("rejecting undecodable amqp delivery", zap.Error(err))
		if err := d.Reject(false); err != nil {
			logger.Error("rejecting amqp delivery", zap.Error(err))
		}
		return
	}

	if err := c.handler(ctx, in); err != nil {
		logger.Warn("amqp delivery handler failed, requeueing", zap.Error(err))
		if err := d.Nack(false, true); err != nil {
			logger.Error("nacking amqp delivery", zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("acking amqp delivery", zap.Error(err))
	}
}
