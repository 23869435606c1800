// SPDX-License-Identifier:Apache-2.0

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openperouter/ovn-evpn-agent/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sources feed the scrape time gauges and the status endpoints.
type Sources struct {
	Snapshot func() Snapshot
	Status   status.StatusReader
	// Health returns nil while the agent is able to reconcile.
	Health func() error
	// Phase is the current full reconciliation phase.
	Phase func() string
}

// Server owns the agent registry and serves /metrics, /healthz and /status.
type Server struct {
	registry *prometheus.Registry
	recorder *Recorder
	gauges   *stateGauges
	logger   *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		registry: registry,
		recorder: NewRecorder(registry),
		gauges:   newStateGauges(registry),
		logger:   logger.With("component", "metrics"),
	}
}

// Recorder returns the recorder registered with the server registry.
func (s *Server) Recorder() *Recorder {
	return s.recorder
}

// Handler returns the mux serving the three endpoints.
func (s *Server) Handler(src Sources) http.Handler {
	mux := http.NewServeMux()
	metricsHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(s.registry,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Refresh the state gauges before emitting them.
			if src.Snapshot != nil {
				s.gauges.update(src.Snapshot())
			}
			metricsHandler.ServeHTTP(w, r)
		}),
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if src.Health != nil {
			if err := src.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		res := statusResponse{}
		if src.Phase != nil {
			res.Phase = src.Phase()
		}
		if src.Status != nil {
			res.StatusSummary = src.Status.GetStatusSummary()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			s.logger.Error("failed to encode status", "error", err)
		}
	})
	return mux
}

type statusResponse struct {
	Phase string `json:"phase"`
	status.StatusSummary
}

// Serve listens on address until ctx is done.
func (s *Server) Serve(ctx context.Context, address string, src Sources) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.Handler(src),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving metrics", "address", address)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server on %s failed: %w", address, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
