// Package metrics provides Prometheus instrumentation for regfilter pipelines.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsIn counts rows entering each operator.
	RowsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regfilter_rows_in_total",
		Help: "Total number of rows entering an operator",
	}, []string{"registry", "operator"})

	// RowsOut counts rows leaving each operator.
	RowsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regfilter_rows_out_total",
		Help: "Total number of rows leaving an operator",
	}, []string{"registry", "operator"})

	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regfilter_batches_processed_total",
		Help: "Total number of batches processed by operator",
	}, []string{"registry", "operator"})

	// BatchLatency tracks per-batch processing latency.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "regfilter_batch_latency_seconds",
		Help:    "Latency of batch processing in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"registry", "operator"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regfilter_errors_total",
		Help: "Total number of failed batches by operator",
	}, []string{"registry", "operator"})
)

// Observe records one processed batch for registry/operator.
func Observe(registry, operator string, rowsIn, rowsOut int64, elapsed time.Duration) {
	RowsIn.WithLabelValues(registry, operator).Add(float64(rowsIn))
	RowsOut.WithLabelValues(registry, operator).Add(float64(rowsOut))
	BatchesProcessed.WithLabelValues(registry, operator).Inc()
	BatchLatency.WithLabelValues(registry, operator).Observe(elapsed.Seconds())
}

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}
