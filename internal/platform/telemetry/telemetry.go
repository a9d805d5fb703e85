// Package telemetry forwards server-side failures to Sentry. A Reporter
// built without a DSN is inert, so local runs need no configuration.
package telemetry

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// Reporter captures errors on its own Sentry hub.
type Reporter struct {
	hub *sentry.Hub
}

// NewReporter returns an inert Reporter when cfg.DSN is empty.
func NewReporter(cfg Config) (*Reporter, error) {
	if cfg.DSN == "" {
		return &Reporter{}, nil
	}
	cfg.applyDefaults()
	return newReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
	})
}

func newReporter(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Report captures err tagged with the request's route, method and id.
// It matches middleware.ReportFunc.
func (r *Reporter) Report(c echo.Context, err error) {
	if !r.Enabled() || err == nil {
		return
	}
	req := c.Request()
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetTag("route", c.Path())
		scope.SetTag("method", req.Method)
		if rid, ok := c.Get("request_id").(string); ok {
			scope.SetTag("request_id", rid)
		}
		if admin := auth.UserIDFromContext(req.Context()); admin != "" {
			scope.SetUser(sentry.User{ID: admin})
		}
		r.hub.CaptureException(err)
	})
}

// CaptureError reports a failure that happened outside a request, such as
// during startup or in a background publisher.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}

// Status reports whether error tracking is active, for the health endpoint.
func (r *Reporter) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"sentry": r.Enabled()})
}
