// Package webhook posts patient events to HTTP endpoints. Each body is
// signed with HMAC-SHA256 so receivers can check it came from this server.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/events"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
	EventHeader     = "X-Webhook-Event"

	mailboxSize = 256
)

var (
	ErrClosed      = errors.New("webhook: publisher closed")
	ErrMailboxFull = errors.New("webhook: delivery queue full")
)

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value, with or without the "sha256="
// prefix.
func Verify(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithRetryDelays sets the waits between attempts. Each endpoint gets
// len(delays)+1 attempts.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = delays }
}

// Publisher delivers events to every configured endpoint from a single
// background goroutine. Publish only enqueues.
type Publisher struct {
	endpoints   []string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mailbox chan events.Event
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New validates the endpoint URLs and starts the delivery goroutine.
func New(endpoints []string, secret string, logger zerolog.Logger, opts ...Option) (*Publisher, error) {
	var clean []string
	for _, raw := range endpoints {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return nil, err
		}
		clean = append(clean, raw)
	}
	if len(clean) == 0 {
		return nil, errors.New("webhook: no endpoints configured")
	}

	p := &Publisher{
		endpoints:   clean,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
		now:         time.Now,
		mailbox:     make(chan events.Event, mailboxSize),
	}
	for _, o := range opts {
		o(p)
	}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: invalid url %q: %w", raw, err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("webhook: url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook: url %q has no host", raw)
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, evt events.Event) error {
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

// Close stops accepting events and waits for queued deliveries.
func (p *Publisher) Close() error {
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

func (p *Publisher) run() {
	defer p.wg.Done()
	for evt := range p.mailbox {
		payload, err := json.Marshal(evt)
		if err != nil {
			p.logger.Error().Err(err).Str("type", evt.Type).Msg("failed to encode event")
			continue
		}
		for _, endpoint := range p.endpoints {
			p.deliver(endpoint, evt, payload)
		}
	}
}

// deliver retries a failed post after each configured delay, then gives up
// and logs the event.
func (p *Publisher) deliver(endpoint string, evt events.Event, payload []byte) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.post(endpoint, evt.Type, payload); err == nil {
			return
		}
		if attempt >= len(p.retryDelays) {
			break
		}
		time.Sleep(p.retryDelays[attempt])
	}
	p.logger.Error().Err(err).
		Str("endpoint", endpoint).
		Str("type", evt.Type).
		Str("patient_id", evt.PatientID).
		Msg("webhook delivery failed, event dropped")
}

func (p *Publisher) post(endpoint, eventType string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+Sign(payload, p.secret))
	req.Header.Set(TimestampHeader, p.now().UTC().Format(time.RFC3339))
	req.Header.Set(EventHeader, eventType)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
