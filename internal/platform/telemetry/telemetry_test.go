package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

type captured struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *captured) beforeSend(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captured) all() []*sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sentry.Event(nil), c.events...)
}

func TestNewReporter_NoDSN(t *testing.T) {
	r, err := NewReporter(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Enabled() {
		t.Error("expected reporter without DSN to be disabled")
	}

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	r.Report(c, errors.New("ignored"))
	if !r.Flush(0) {
		t.Error("expected Flush on disabled reporter to succeed")
	}
}

func TestNewReporter_InvalidDSN(t *testing.T) {
	if _, err := NewReporter(Config{DSN: "not a dsn"}); err == nil {
		t.Error("expected invalid DSN to fail")
	}
}

func TestReporter_Report(t *testing.T) {
	sink := &captured{}
	r, err := newReporter(sentry.ClientOptions{BeforeSend: sink.beforeSend})
	if err != nil {
		t.Fatalf("newReporter: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/patients/abc", nil)
	req = req.WithContext(auth.WithUser(req.Context(), "admin-7", []string{auth.RoleAdmin}))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/patients/:id")
	c.Set("request_id", "req-1")

	r.Report(c, errors.New("store down"))

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Tags["route"] != "/api/patients/:id" {
		t.Errorf("expected route tag, got %q", ev.Tags["route"])
	}
	if ev.Tags["request_id"] != "req-1" {
		t.Errorf("expected request_id tag, got %q", ev.Tags["request_id"])
	}
	if ev.User.ID != "admin-7" {
		t.Errorf("expected user admin-7, got %q", ev.User.ID)
	}
}

func TestReporter_CaptureError(t *testing.T) {
	sink := &captured{}
	r, err := newReporter(sentry.ClientOptions{BeforeSend: sink.beforeSend})
	if err != nil {
		t.Fatalf("newReporter: %v", err)
	}

	r.CaptureError(nil, nil)
	r.CaptureError(errors.New("amqp closed"), map[string]string{"component": "events"})

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Tags["component"] != "events" {
		t.Errorf("expected component tag, got %v", events[0].Tags)
	}
}
