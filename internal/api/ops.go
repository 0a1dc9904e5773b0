package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/storyboard-worker/internal/processor"
)

const shutdownTimeout = 10 * time.Second

// Observer is the processor view the ops endpoints read.
type Observer interface {
	Snapshot(ctx context.Context) processor.Snapshot
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status            processor.Health `json:"status"`
	Connected         bool             `json:"connected"`
	ConsecutiveErrors int              `json:"consecutive_errors"`
}

// NewRouter builds the ops router. gatherer backs /metrics.
func NewRouter(obs Observer, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware(logger.With("component", "ops_api")))

	r.Get("/healthz", healthHandler(obs))
	r.Get("/stats", statsHandler(obs))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found")
	})
	return r
}

// healthHandler answers 200 while the processor can make progress, even
// when degraded, and 503 before the first connection and while
// dependencies are being rebuilt.
func healthHandler(obs Observer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := obs.Snapshot(r.Context())
		resp := HealthResponse{
			Status:            s.Health,
			Connected:         s.Connected,
			ConsecutiveErrors: s.ConsecutiveErrors,
		}

		status := http.StatusOK
		if !s.Connected || s.Health == processor.HealthStarting || s.Health == processor.HealthReinitializing {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, r, status, resp)
	}
}

func statsHandler(obs Observer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, r, http.StatusOK, obs.Snapshot(r.Context()))
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting ops server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	logger.Info("ops server stopped")
	return nil
}
