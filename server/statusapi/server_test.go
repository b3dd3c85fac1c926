package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate/mailgate/pkg/health"
	"github.com/mailgate/mailgate/server/gateway"
)

type staticStatus struct {
	snap gateway.Snapshot
}

func (s staticStatus) Snapshot() gateway.Snapshot { return s.snap }

func newTestServer(t *testing.T, online bool, allowed []string) *Server {
	t.Helper()
	hm := health.NewHealthMonitor()
	hm.RegisterCheck(health.NewXMPPCheck(func() bool { return online }))
	hm.RegisterCheck(&health.HealthCheck{
		Name:  "imap",
		Check: func(context.Context) error { return nil },
	})
	hm.CheckNow(context.Background())

	snap := gateway.Snapshot{
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Uptime:    "1h0m0s",
		XMPP:      "online",
		SMTP:      "CLOSED",
	}
	snap.IMAP.Watermark = 42

	s, err := New(hm, staticStatus{snap: snap}, ServerOptions{Addr: "127.0.0.1:0", AllowedHosts: allowed})
	require.NoError(t, err)
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := get(t, newTestServer(t, true, nil).Handler(), "/health")
		assert.Equal(t, http.StatusOK, rec.Code)

		var body healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, health.StatusHealthy, body.Status)
		require.Len(t, body.Components, 2)
		assert.Equal(t, "imap", body.Components[0].Name)
		assert.Equal(t, "xmpp", body.Components[1].Name)
	})

	t.Run("xmpp offline", func(t *testing.T) {
		rec := get(t, newTestServer(t, false, nil).Handler(), "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), health.ErrNotOnline.Error())
	})
}

func TestHealthEndpointRefresh(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	hm := health.NewHealthMonitor()
	hm.RegisterCheck(health.NewXMPPCheck(online.Load))
	hm.CheckNow(context.Background())

	s, err := New(hm, staticStatus{}, ServerOptions{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	h := s.Handler()

	online.Store(false)
	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code, "cached result until the next check")

	rec = get(t, h, "/health?refresh=1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	online.Store(true)
	rec = get(t, h, "/health?refresh=true")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestComponentHealthEndpoint(t *testing.T) {
	h := newTestServer(t, false, nil).Handler()

	rec := get(t, h, "/health/imap")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/health/xmpp")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, h, "/health/ldap")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t, true, nil).Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "online", body["xmpp_state"])
	assert.Equal(t, "CLOSED", body["smtp_breaker"])
	imap, ok := body["imap"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, imap["watermark"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t, true, nil).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mailgate_"))
}

func TestMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	newTestServer(t, true, nil).Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	// httptest requests come from 192.0.2.1.
	rec := get(t, newTestServer(t, true, []string{"10.0.0.0/8"}).Handler(), "/status")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = get(t, newTestServer(t, true, []string{"192.0.2.0/24"}).Handler(), "/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, newTestServer(t, true, []string{"192.0.2.1"}).Handler(), "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewValidation(t *testing.T) {
	_, err := New(health.NewHealthMonitor(), staticStatus{}, ServerOptions{})
	assert.Error(t, err)

	_, err = New(nil, staticStatus{}, ServerOptions{Addr: ":0"})
	assert.Error(t, err)
}

func TestStartReportsListenError(t *testing.T) {
	errChan := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Start(ctx, health.NewHealthMonitor(), staticStatus{}, ServerOptions{Addr: "256.0.0.1:bad"}, errChan)

	select {
	case err := <-errChan:
		assert.Error(t, err)
		assert.False(t, errors.Is(err, http.ErrServerClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}
