package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange = "clinic.events"

	reconnectDelay = 5 * time.Second
	publishTimeout = 10 * time.Second
	mailboxSize    = 256
)

var (
	ErrClosed      = errors.New("events: publisher closed")
	ErrMailboxFull = errors.New("events: publish queue full")

	errNotConnected = errors.New("events: not connected to broker")
)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialFunc func(url string) (channel, io.Closer, error)

func dialAMQP(url string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// AMQPPublisher publishes events to a durable topic exchange, routed by
// event type. Publish only enqueues; a single goroutine owns the
// connection and redials after the broker drops it.
type AMQPPublisher struct {
	url      string
	exchange string
	dial     dialFunc
	logger   zerolog.Logger

	mailbox chan Event
	wg      sync.WaitGroup
	now     func() time.Time

	mu     sync.Mutex
	closed bool

	ch         channel
	conn       io.Closer
	chanClose  chan *amqp.Error
	lastFailed time.Time
}

func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) *AMQPPublisher {
	return newAMQPPublisher(url, exchange, dialAMQP, logger)
}

func newAMQPPublisher(url, exchange string, dial dialFunc, logger zerolog.Logger) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &AMQPPublisher{
		url:      url,
		exchange: exchange,
		dial:     dial,
		logger:   logger.With().Str("component", "amqp").Str("exchange", exchange).Logger(),
		mailbox:  make(chan Event, mailboxSize),
		now:      time.Now,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish queues evt for delivery. It never waits on the broker.
func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.mailbox <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrMailboxFull
	}
}

// Close stops accepting events, delivers what is queued if connected, and
// closes the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.mailbox)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *AMQPPublisher) run() {
	defer p.wg.Done()
	defer p.disconnect()

	for evt := range p.mailbox {
		p.deliver(evt)
	}
}

// deliver publishes evt, reconnecting once if the channel has gone away.
// Events that still cannot be delivered are logged and dropped.
func (p *AMQPPublisher) deliver(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error().Err(err).Str("type", evt.Type).Msg("failed to encode event")
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err = p.ensureChannel(); err != nil {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    evt.OccurredAt,
			Type:         evt.Type,
			Body:         body,
		})
		cancel()
		if err == nil {
			p.logger.Debug().Str("type", evt.Type).Str("patient_id", evt.PatientID).Msg("event published")
			return
		}
		p.disconnect()
	}

	p.logger.Warn().Err(err).
		Str("type", evt.Type).
		Str("patient_id", evt.PatientID).
		Msg("dropping event")
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil {
		select {
		case amqpErr, ok := <-p.chanClose:
			if ok || amqpErr != nil {
				p.logger.Warn().Interface("reason", amqpErr).Msg("channel closed, reconnecting")
			}
			p.disconnect()
		default:
			return nil
		}
	}

	if !p.lastFailed.IsZero() && p.now().Sub(p.lastFailed) < reconnectDelay {
		return errNotConnected
	}

	ch, conn, err := p.dial(p.url)
	if err != nil {
		p.lastFailed = p.now()
		return fmt.Errorf("dial broker: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		if conn != nil {
			conn.Close()
		}
		p.lastFailed = p.now()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.lastFailed = time.Time{}

	p.ch = ch
	p.conn = conn
	p.chanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.logger.Info().Msg("connected to broker")
	return nil
}

func (p *AMQPPublisher) disconnect() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.logger.Debug().Err(err).Msg("error closing channel")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.logger.Debug().Err(err).Msg("error closing connection")
		}
	}
	p.ch, p.conn, p.chanClose = nil, nil, nil
}
