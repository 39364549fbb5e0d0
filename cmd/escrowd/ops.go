package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// newOpsRouter exposes metrics, health and the retained event tail.
func newOpsRouter(n *node) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		sinkErrors, dropped := n.log.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"sequence":   n.log.Sequence(),
			"sinkErrors": sinkErrors,
			"dropped":    dropped,
		})
	})
	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		after, _ := strconv.ParseUint(req.URL.Query().Get("after"), 10, 64)
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, n.log.Since(after, limit))
	})
	return otelhttp.NewHandler(r, serviceName)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// serveOps runs the ops server until ctx ends.
func serveOps(ctx context.Context, n *node, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(n),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		n.logger.Info("ops server listening", slog.String("addr", addr))
		errs <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
