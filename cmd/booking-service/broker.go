package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp091 "github.com/rabbitmq/amqp091-go"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/oagudo/persistmsg"
	"github.com/oagudo/persistmsg/breaker"
	"github.com/oagudo/persistmsg/broker/amqp"
	"github.com/oagudo/persistmsg/broker/kafka"
	natsbroker "github.com/oagudo/persistmsg/broker/nats"
	"github.com/oagudo/persistmsg/config"
)

// messageBroker bundles the outbound publisher and the inbound consumer of the configured broker.
type messageBroker struct {
	publisher persistmsg.Publisher
	// consume blocks until ctx is cancelled or consumption fails.
	consume func(ctx context.Context, handler persistmsg.Handler) error
	close   func() error
}

func newBroker(cfg *config.Config, registry *persistmsg.Registry, logger *zap.Logger) (*messageBroker, error) {
	var (
		brk *messageBroker
		err error
	)

	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		brk = newKafkaBroker(cfg.Broker.Kafka, registry, logger)
	case config.BrokerAMQP:
		brk, err = newAMQPBroker(cfg.Broker.AMQP, registry, logger)
	case config.BrokerNATS:
		brk, err = newNATSBroker(cfg.Service.Name, cfg.Broker.NATS, registry, logger)
	default:
		err = fmt.Errorf("unsupported broker %q", cfg.Broker.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Breaker.Enabled {
		brk.publisher = breaker.New(brk.publisher, breaker.Settings{
			Name:             cfg.Broker.Kind,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
		}, logger)
	}

	logger.Info("message broker configured", zap.String("kind", cfg.Broker.Kind), zap.Bool("breaker", cfg.Breaker.Enabled))
	return brk, nil
}

func newKafkaBroker(cfg config.KafkaConfig, registry *persistmsg.Registry, logger *zap.Logger) *messageBroker {
	writer := kafkago.NewWriter(kafkago.WriterConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		Balancer: &kafkago.LeastBytes{},
	})

	return &messageBroker{
		publisher: kafka.NewPublisher(writer),
		consume: func(ctx context.Context, handler persistmsg.Handler) error {
			if cfg.InboundTopic == "" {
				<-ctx.Done()
				return nil
			}

			reader := kafkago.NewReader(kafkago.ReaderConfig{
				Brokers: cfg.Brokers,
				GroupID: cfg.GroupID,
				Topic:   cfg.InboundTopic,
			})
			defer reader.Close()

			return kafka.NewConsumer(reader, registry, handler, kafka.WithLogger(logger)).Run(ctx)
		},
		close: writer.Close,
	}
}

func newAMQPBroker(cfg config.AMQPConfig, registry *persistmsg.Registry, logger *zap.Logger) (*messageBroker, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if cfg.Exchange != "" {
		err := channel.ExchangeDeclare(
			cfg.Exchange, // name
			"topic",      // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
		}
	}

	return &messageBroker{
		publisher: amqp.NewPublisher(channel, cfg.Exchange, cfg.RoutingKey),
		consume: func(ctx context.Context, handler persistmsg.Handler) error {
			if cfg.InboundQueue == "" {
				<-ctx.Done()
				return nil
			}

			ch, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("failed to open a channel: %w", err)
			}
			defer ch.Close()

			q, err := ch.QueueDeclare(
				cfg.InboundQueue, // name
				true,             // durable
				false,            // delete when unused
				false,            // exclusive
				false,            // no-wait
				nil,              // arguments
			)
			if err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", cfg.InboundQueue, err)
			}

			return amqp.NewConsumer(ch, q.Name, registry, handler, amqp.WithLogger(logger)).Run(ctx)
		},
		close: func() error {
			return errors.Join(channel.Close(), conn.Close())
		},
	}, nil
}

func newNATSBroker(name string, cfg config.NATSConfig, registry *persistmsg.Registry, logger *zap.Logger) (*messageBroker, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &messageBroker{
		publisher: natsbroker.NewPublisher(nc, cfg.Subject),
		consume: func(ctx context.Context, handler persistmsg.Handler) error {
			if cfg.InboundSubject == "" {
				<-ctx.Done()
				return nil
			}

			consumer := natsbroker.NewConsumer(registry, handler, natsbroker.WithLogger(logger))
			sub, err := consumer.Subscribe(ctx, nc, cfg.InboundSubject, cfg.Queue)
			if err != nil {
				return err
			}
			<-ctx.Done()
			return sub.Unsubscribe()
		},
		close: nc.Drain,
	}, nil
}
