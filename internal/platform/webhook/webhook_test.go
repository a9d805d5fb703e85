package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/clinic/internal/platform/events"
)

const testSecret = "webhook-test-secret"

type received struct {
	body      []byte
	signature string
	eventType string
}

func newReceiver(t *testing.T, status func(n int32) int) (*httptest.Server, *[]received, *sync.Mutex) {
	t.Helper()
	var (
		mu    sync.Mutex
		got   []received
		calls int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{body: body, signature: r.Header.Get(SignatureHeader), eventType: r.Header.Get(EventHeader)})
		mu.Unlock()
		w.WriteHeader(status(n))
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"type":"patient.created"}`)
	sig := Sign(payload, testSecret)

	assert.True(t, Verify(payload, testSecret, sig))
	assert.True(t, Verify(payload, testSecret, "sha256="+sig))
	assert.False(t, Verify(payload, "other-secret", sig))
	assert.False(t, Verify([]byte(`{"type":"patient.deleted"}`), testSecret, sig))
}

func TestNew_ValidatesEndpoints(t *testing.T) {
	logger := zerolog.New(io.Discard)

	_, err := New(nil, testSecret, logger)
	assert.Error(t, err)

	_, err = New([]string{"ftp://example.com/hook"}, testSecret, logger)
	assert.Error(t, err)

	_, err = New([]string{"https://"}, testSecret, logger)
	assert.Error(t, err)

	p, err := New([]string{" ", "https://example.com/hook"}, testSecret, logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/hook"}, p.endpoints)
	require.NoError(t, p.Close())
}

func TestPublisher_DeliversSignedEvents(t *testing.T) {
	srv, got, mu := newReceiver(t, func(int32) int { return http.StatusNoContent })

	p, err := New([]string{srv.URL}, testSecret, zerolog.New(io.Discard))
	require.NoError(t, err)

	evt := events.Event{Type: events.PatientCreated, PatientID: "p-1", OccurredAt: time.Now().UTC()}
	require.NoError(t, p.Publish(context.Background(), evt))
	require.NoError(t, p.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	r := (*got)[0]
	assert.Equal(t, events.PatientCreated, r.eventType)
	assert.True(t, Verify(r.body, testSecret, r.signature), "signature must verify")
	assert.Contains(t, string(r.body), `"patientId":"p-1"`)
}

func TestPublisher_RetriesThenSucceeds(t *testing.T) {
	srv, got, mu := newReceiver(t, func(n int32) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})

	p, err := New([]string{srv.URL}, testSecret, zerolog.New(io.Discard),
		WithRetryDelays(time.Millisecond, time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), events.Event{Type: events.PatientUpdated, PatientID: "p-2"}))
	require.NoError(t, p.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 3)
}

func TestPublisher_GivesUpAfterRetries(t *testing.T) {
	srv, got, mu := newReceiver(t, func(int32) int { return http.StatusInternalServerError })

	p, err := New([]string{srv.URL}, testSecret, zerolog.New(io.Discard), WithRetryDelays(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), events.Event{Type: events.PatientDeleted, PatientID: "p-3"}))
	require.NoError(t, p.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 2)
}

func TestPublisher_Closed(t *testing.T) {
	p, err := New([]string{"https://example.com/hook"}, testSecret, zerolog.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Publish(context.Background(), events.Event{Type: events.PatientCreated}), ErrClosed)
}
