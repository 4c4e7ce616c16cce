package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/telemetry-sdk/pkg/configuration"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

func newTestApp(t *testing.T) *app {
	t.Helper()

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SENDER_KIND", "eventbus")
	t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "deliveryd.log"))
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("OPS_GUARD_TOKEN", "secret")
	t.Setenv("PROMETHEUS_METRICS_ENABLED", "true")

	conf, err := configuration.Load()
	require.NoError(t, err)
	a, err := newApp(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func do(t *testing.T, h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_EventBusSinkDrainsQueue(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := a.producer.Enqueue(ctx, delivery.EventCustom, `{"n":1}`)
		require.NoError(t, err)
	}
	require.NoError(t, a.scheduler.RunPass(ctx))

	n, err := a.store.CountEvents(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestHTTPServer_Routes(t *testing.T) {
	a := newTestApp(t)
	srv, err := newHTTPServer(a)
	require.NoError(t, err)
	h := srv.Router()

	t.Run("health", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ops hidden without token", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/ops/delivery", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ops with token", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/ops/delivery", http.Header{"X-Ops-Token": {"secret"}})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `"state":"idle"`)
	})

	t.Run("metrics guarded", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, a.conf.Prometheus.Path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(t, h, http.MethodGet, a.conf.Prometheus.Path, http.Header{"X-Ops-Token": {"secret"}})
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/nope", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Contains(t, rec.Body.String(), "NOT_FOUND")
	})
}

func TestEraseRequiresConfirmation(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"erase"})
	err := cmd.Execute()
	require.ErrorContains(t, err, "--yes")
}
