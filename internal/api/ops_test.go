package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/storyboard-worker/internal/platform/logger"
	"github.com/phrazzld/storyboard-worker/internal/processor"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

type fakeObserver struct {
	snapshot processor.Snapshot
}

func (f *fakeObserver) Snapshot(context.Context) processor.Snapshot {
	return f.snapshot
}

func newTestRouter(t *testing.T, s processor.Snapshot) (http.Handler, *prometheus.Registry) {
	t.Helper()
	log, _ := logger.NewTestLogger()
	reg := prometheus.NewRegistry()
	return NewRouter(&fakeObserver{snapshot: s}, reg, log), reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name      string
		health    processor.Health
		connected bool
		want      int
	}{
		{"healthy", processor.HealthHealthy, true, http.StatusOK},
		{"degraded", processor.HealthDegraded, true, http.StatusOK},
		{"starting", processor.HealthStarting, false, http.StatusServiceUnavailable},
		{"reinitializing", processor.HealthReinitializing, false, http.StatusServiceUnavailable},
		{"disconnected", processor.HealthDegraded, false, http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestRouter(t, processor.Snapshot{
				Health:            tc.health,
				Connected:         tc.connected,
				ConsecutiveErrors: 2,
			})

			rec := get(t, h, "/healthz")
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.health.String(), body["status"])
			assert.Equal(t, float64(2), body["consecutive_errors"])
		})
	}
}

func TestStats(t *testing.T) {
	h, _ := newTestRouter(t, processor.Snapshot{
		Health:    processor.HealthHealthy,
		Connected: true,
		Cycles:    12,
		LastCycle: processor.CycleReport{Submitted: 3, Polled: 7},
		Tasks:     task.Stats{task.StatusPending: 4, task.StatusSuccess: 9},
	})

	rec := get(t, h, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Health    string         `json:"health"`
		Cycles    int64          `json:"cycles"`
		LastCycle map[string]any `json:"last_cycle"`
		Tasks     map[string]int `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Health)
	assert.Equal(t, int64(12), body.Cycles)
	assert.Equal(t, float64(3), body.LastCycle["submitted"])
	assert.Equal(t, 4, body.Tasks["PENDING"])
	assert.Equal(t, 9, body.Tasks["SUCCESS"])
}

func TestMetrics(t *testing.T) {
	h, reg := newTestRouter(t, processor.Snapshot{})
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "storyboard_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "storyboard_test_total 3")
}

func TestNotFound(t *testing.T) {
	h, _ := newTestRouter(t, processor.Snapshot{})

	rec := get(t, h, "/tasks")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not found", body.Error)
	assert.Len(t, body.TraceID, 32)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	h, _ := newTestRouter(t, processor.Snapshot{Health: processor.HealthHealthy, Connected: true})
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: time.Second}
	log, _ := logger.NewTestLogger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, log) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}
