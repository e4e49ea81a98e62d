package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/persistmsg"
	"github.com/oagudo/persistmsg/broker/kafka"
)

type flightCreated struct {
	ID     uuid.UUID `json:"id"`
	Number string    `json:"number"`
}

func (e flightCreated) EventID() uuid.UUID { return e.ID }

type fakeWriter struct {
	msgs []kafkago.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestPublisherWritesKeyedMessageWithHeaders(t *testing.T) {
	w := &fakeWriter{}
	p := kafka.NewPublisher(w)
	ev := flightCreated{ID: uuid.New(), Number: "IB3170"}

	err := p.Publish(context.Background(), ev, func(set func(string, any)) {
		set(persistmsg.HeaderMessageID, ev.ID.String())
		set(persistmsg.HeaderMessageType, "flight.created")
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, ev.ID.String(), string(msg.Key))
	assert.JSONEq(t, `{"id":"`+ev.ID.String()+`","number":"IB3170"}`, string(msg.Value))
	assert.ElementsMatch(t, []kafkago.Header{
		{Key: persistmsg.HeaderMessageID, Value: []byte(ev.ID.String())},
		{Key: persistmsg.HeaderMessageType, Value: []byte("flight.created")},
	}, msg.Headers)
}

func TestPublisherReturnsWriterError(t *testing.T) {
	errDown := errors.New("broker down")
	p := kafka.NewPublisher(&fakeWriter{err: errDown})

	err := p.Publish(context.Background(), flightCreated{ID: uuid.New()}, func(func(string, any)) {})
	require.ErrorIs(t, err, errDown)
}

// fakeReader serves msgs once and then blocks until the context is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafkago.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func encoded(t *testing.T, offset int64, tag string, ev flightCreated) kafkago.Message {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafkago.Message{
		Offset: offset,
		Value:  body,
		Headers: []kafkago.Header{
			{Key: persistmsg.HeaderMessageID, Value: []byte(ev.ID.String())},
			{Key: persistmsg.HeaderMessageType, Value: []byte(tag)},
		},
	}
}

func newRegistry(t *testing.T) *persistmsg.Registry {
	t.Helper()
	r := persistmsg.NewRegistry()
	require.NoError(t, persistmsg.Register[flightCreated](r, "flight.created"))
	return r
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	ev := flightCreated{ID: uuid.New(), Number: "VY1001"}
	reader := &fakeReader{msgs: []kafkago.Message{
		encoded(t, 1, "flight.created", ev),
		encoded(t, 2, "unknown.type", ev),
	}}

	var mu sync.Mutex
	var handled []persistmsg.InboundMessage
	handler := func(_ context.Context, msg persistmsg.InboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, msg)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- kafka.NewConsumer(reader, newRegistry(t), handler).Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.offsets()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 1, "undecodable messages are skipped")
	assert.Equal(t, ev, handled[0].Payload)
	id, _ := handled[0].Headers.Get(persistmsg.HeaderMessageID)
	assert.Equal(t, ev.ID.String(), id)
	assert.Equal(t, []int64{1, 2}, reader.offsets())
}

func TestConsumerRetriesFailingHandlerBeforeCommitting(t *testing.T) {
	ev := flightCreated{ID: uuid.New()}
	reader := &fakeReader{msgs: []kafkago.Message{encoded(t, 7, "flight.created", ev)}}

	var mu sync.Mutex
	calls := 0
	handler := func(context.Context, persistmsg.InboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("db unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c := kafka.NewConsumer(reader, newRegistry(t), handler, kafka.WithRetryDelay(persistmsg.Fixed(time.Millisecond)))
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.offsets()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestConsumerStopsWhileRetrying(t *testing.T) {
	reader := &fakeReader{msgs: []kafkago.Message{encoded(t, 1, "flight.created", flightCreated{ID: uuid.New()})}}
	handler := func(context.Context, persistmsg.InboundMessage) error { return errors.New("always fails") }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c := kafka.NewConsumer(reader, newRegistry(t), handler, kafka.WithRetryDelay(persistmsg.Fixed(time.Hour)))
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, reader.offsets())
}
