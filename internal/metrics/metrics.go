// Package metrics exposes Prometheus instrumentation for the ingestion
// engine.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carscraping_ingest_records_total",
			Help: "Total raw records processed, by source website and outcome",
		},
		[]string{"website", "outcome"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carscraping_ingest_batch_duration_seconds",
			Help:    "Duration of one ingestion batch in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carscraping_runs_total",
			Help: "Total completed runs by terminal status",
		},
		[]string{"status"},
	)

	LockWaitTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carscraping_identity_lock_timeouts_total",
			Help: "Records skipped because an identity-key lock could not be acquired in time",
		},
	)
)

// Record outcome label values.
const (
	OutcomeAppended  = "appended"
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
	OutcomeConflict  = "conflict"
	OutcomeBusy      = "busy"
)

// RecordOutcome counts one processed record.
func RecordOutcome(website, outcome string) {
	RecordsTotal.WithLabelValues(website, outcome).Inc()
}

// RecordRun counts one terminal run.
func RecordRun(ok bool) {
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	RunsTotal.WithLabelValues(status).Inc()
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		// Suppress the error from intentional shutdown
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
