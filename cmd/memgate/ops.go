package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velmie/memgate"
)

const (
	opsReadTimeout     = 5 * time.Second
	opsShutdownTimeout = 5 * time.Second
)

type reporter interface {
	Report(ctx context.Context) (memgate.Report, error)
}

func newOpsHandler(gatherer prometheus.Gatherer, reports reporter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /reliability", func(w http.ResponseWriter, r *http.Request) {
		report, err := reports.Report(r.Context())
		if err != nil {
			logger.Error("reliability report failed", "err", err)
			http.Error(w, "report unavailable", http.StatusServiceUnavailable)

			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Warn("write reliability report", "err", err)
		}
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// serveOps runs the ops server until ctx is done.
func serveOps(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: opsReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
