package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/supervisor"
)

type stubStatus struct {
	status supervisor.RunStatus
}

func (s *stubStatus) Status() supervisor.RunStatus { return s.status }

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzWithoutRun(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunStatus(t *testing.T) {
	t.Parallel()

	src := &stubStatus{status: supervisor.RunStatus{
		RunID:     "run-1",
		Completed: 3,
		Skipped:   1,
		Running:   true,
	}}
	srv := NewServer(src, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/run/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var got supervisor.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, 3, got.Completed)
	require.True(t, got.Running)
}

func TestRunStatusNotFound(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/run/status", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "vodsync_test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := NewServer(nil, reg, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "vodsync_test_total 1")
}
