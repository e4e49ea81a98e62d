package amqp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/persistmsg"
	"github.com/oagudo/persistmsg/broker/amqp"
)

type flightCreated struct {
	ID     uuid.UUID `json:"id"`
	Number string    `json:"number"`
}

func (e flightCreated) EventID() uuid.UUID { return e.ID }

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []published
	deliveries chan amqp091.Delivery
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	return c.deliveries, nil
}

// fakeAcknowledger records the outcome of every delivery tag.
type fakeAcknowledger struct {
	mu       sync.Mutex
	outcomes map[uint64]string
}

func (a *fakeAcknowledger) set(tag uint64, outcome string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[tag] = outcome
	return nil
}

func (a *fakeAcknowledger) get(tag uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcomes[tag]
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error { return a.set(tag, "ack") }

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		return a.set(tag, "requeue")
	}
	return a.set(tag, "nack")
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	if requeue {
		return a.set(tag, "requeue")
	}
	return a.set(tag, "reject")
}

func TestPublisherSendsPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := amqp.NewPublisher(ch, "flights", "flight.created")
	ev := flightCreated{ID: uuid.New(), Number: "IB3170"}

	err := p.Publish(context.Background(), ev, func(set func(string, any)) {
		set(persistmsg.HeaderMessageID, ev.ID.String())
		set(persistmsg.HeaderMessageType, "flight.created")
	})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "flights", got.exchange)
	assert.Equal(t, "flight.created", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, ev.ID.String(), got.msg.MessageId)
	assert.Equal(t, "flight.created", got.msg.Type)
	assert.Equal(t, "flight.created", got.msg.Headers[persistmsg.HeaderMessageType])

	var decoded flightCreated
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestConsumerAcknowledgesByOutcome(t *testing.T) {
	registry := persistmsg.NewRegistry()
	require.NoError(t, persistmsg.Register[flightCreated](registry, "flight.created"))

	ack := &fakeAcknowledger{outcomes: map[uint64]string{}}
	delivery := func(tag uint64, msgType string, ev flightCreated) amqp091.Delivery {
		body, err := json.Marshal(ev)
		require.NoError(t, err)
		return amqp091.Delivery{
			Acknowledger: ack,
			DeliveryTag:  tag,
			MessageId:    ev.ID.String(),
			Type:         msgType,
			Headers:      amqp091.Table{persistmsg.HeaderMessageID: ev.ID.String()},
			Body:         body,
		}
	}

	failing := uuid.New()
	var mu sync.Mutex
	var handled []any
	handler := func(_ context.Context, msg persistmsg.InboundMessage) error {
		if msg.Payload.(flightCreated).ID == failing {
			return errors.New("handler failed")
		}
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, msg.Payload)
		return nil
	}

	ch := &fakeChannel{deliveries: make(chan amqp091.Delivery, 3)}
	ok := flightCreated{ID: uuid.New(), Number: "VY1001"}
	ch.deliveries <- delivery(1, "flight.created", ok)
	ch.deliveries <- delivery(2, "flight.created", flightCreated{ID: failing})
	ch.deliveries <- delivery(3, "unknown", flightCreated{ID: uuid.New()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- amqp.NewConsumer(ch, "bookings.flights", registry, handler).Run(ctx) }()

	require.Eventually(t, func() bool { return ack.get(3) != "" }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "ack", ack.get(1))
	assert.Equal(t, "requeue", ack.get(2))
	assert.Equal(t, "reject", ack.get(3))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{ok}, handled)
}

func TestConsumerReturnsWhenDeliveriesClose(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp091.Delivery)}
	close(ch.deliveries)

	err := amqp.NewConsumer(ch, "q", persistmsg.NewRegistry(), nil).Run(context.Background())
	require.ErrorIs(t, err, amqp.ErrDeliveriesClosed)
}
