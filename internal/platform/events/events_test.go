package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	keys       []string
	exchanges  []string
	failNext   int
	closed     bool
	notifyChan chan *amqp.Error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return amqp.ErrClosed
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.notifyChan = c
	return c
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestMemory_RecordsInOrder(t *testing.T) {
	m := &Memory{}
	require.NoError(t, m.Publish(context.Background(), Event{Type: PatientCreated, PatientID: "1"}))
	require.NoError(t, m.Publish(context.Background(), Event{Type: PatientDeleted, PatientID: "1"}))

	got := m.Events()
	require.Len(t, got, 2)
	assert.Equal(t, PatientCreated, got[0].Type)
	assert.Equal(t, PatientDeleted, got[1].Type)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{Type: PatientUpdated}))
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestFanout(t *testing.T) {
	a, b := &Memory{}, &Memory{}
	boom := errors.New("broker down")
	f := Fanout{a, failingPublisher{err: boom}, b}

	err := f.Publish(context.Background(), Event{Type: PatientCreated, PatientID: "7"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "a failing publisher must not stop the others")

	assert.NoError(t, Fanout{}.Publish(context.Background(), Event{Type: PatientCreated}))
}

func TestAMQPPublisher_PublishesToTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	dials := 0
	dial := func(string) (channel, io.Closer, error) {
		dials++
		return ch, nopCloser{}, nil
	}

	p := newAMQPPublisher("amqp://test", "", dial, zerolog.New(io.Discard))
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), Event{Type: PatientCreated, PatientID: "p-1", ActorID: "a-1", OccurredAt: at}))
	require.NoError(t, p.Publish(context.Background(), Event{Type: PatientUpdated, PatientID: "p-1", OccurredAt: at}))
	require.NoError(t, p.Close())

	assert.Equal(t, 1, dials)
	assert.Equal(t, []string{DefaultExchange + ":topic"}, ch.exchanges)
	assert.Equal(t, []string{PatientCreated, PatientUpdated}, ch.keys)
	require.Len(t, ch.published, 2)

	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)

	var evt Event
	require.NoError(t, json.Unmarshal(msg.Body, &evt))
	assert.Equal(t, "p-1", evt.PatientID)
	assert.Equal(t, "a-1", evt.ActorID)
	assert.True(t, evt.OccurredAt.Equal(at))
	assert.True(t, ch.closed)
}

func TestAMQPPublisher_ReconnectsAfterFailure(t *testing.T) {
	first := &fakeChannel{failNext: 1}
	second := &fakeChannel{}
	channels := []*fakeChannel{first, second}
	dial := func(string) (channel, io.Closer, error) {
		ch := channels[0]
		channels = channels[1:]
		return ch, nopCloser{}, nil
	}

	p := newAMQPPublisher("amqp://test", "x", dial, zerolog.New(io.Discard))
	require.NoError(t, p.Publish(context.Background(), Event{Type: PatientDeleted, PatientID: "p-2"}))
	require.NoError(t, p.Close())

	assert.Empty(t, first.published)
	assert.True(t, first.closed)
	assert.Equal(t, []string{PatientDeleted}, second.keys)
}

func TestAMQPPublisher_DialFailureDropsEvent(t *testing.T) {
	dials := 0
	dial := func(string) (channel, io.Closer, error) {
		dials++
		return nil, nil, errors.New("connection refused")
	}

	p := newAMQPPublisher("amqp://test", "x", dial, zerolog.New(io.Discard))
	require.NoError(t, p.Publish(context.Background(), Event{Type: PatientCreated}))
	require.NoError(t, p.Publish(context.Background(), Event{Type: PatientCreated}))
	require.NoError(t, p.Close())

	// The second event falls inside the reconnect delay and does not redial.
	assert.Equal(t, 1, dials)
}

func TestAMQPPublisher_PublishAfterClose(t *testing.T) {
	dial := func(string) (channel, io.Closer, error) {
		return &fakeChannel{}, nopCloser{}, nil
	}
	p := newAMQPPublisher("amqp://test", "x", dial, zerolog.New(io.Discard))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: PatientCreated}), ErrClosed)
}
