package obs

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric series for the core. Names are stable across restarts since they
// back dashboards and alerts, not just this process's lifetime.
var (
	ReorgsDetected   prometheus.Counter
	ReorgsExecuted   prometheus.Counter
	ReorgRollbackHeight prometheus.Gauge
	ReorgBlocksAffected prometheus.Counter

	MigrationRuns      prometheus.Counter
	MigrationRowsMoved  prometheus.CounterVec
	MigrationDuration  prometheus.Histogram

	IngestBatchRetries prometheus.CounterVec
	IngestRowsWritten  prometheus.CounterVec
)

var initOnce sync.Once

func init() {
	_ = Init()
}

// Init registers all series with the default Prometheus registry. It runs
// once when the package is initialized, so the series are usable without an
// explicit call; later calls are no-ops.
func Init() error {
	initOnce.Do(registerSeries)
	return nil
}

func registerSeries() {
	ReorgsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chstore_reorgs_detected_total",
		Help: "Total number of chain reorganizations detected.",
	})
	ReorgsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chstore_reorgs_executed_total",
		Help: "Total number of chain reorganizations successfully executed.",
	})
	ReorgRollbackHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chstore_reorg_rollback_height",
		Help: "Height of the common ancestor found by the most recent reorg.",
	})
	ReorgBlocksAffected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chstore_reorg_blocks_affected_total",
		Help: "Total number of hot blocks invalidated by reorgs.",
	})

	MigrationRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chstore_migration_runs_total",
		Help: "Total number of migration engine invocations that performed work.",
	})
	MigrationRowsMoved = *promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chstore_migration_rows_moved_total",
		Help: "Total number of rows moved from hot to cold, by managed table.",
	}, []string{"table"})
	MigrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chstore_migration_duration_seconds",
		Help:    "Duration of a migration engine run.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	IngestBatchRetries = *promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chstore_ingest_batch_retries_total",
		Help: "Total number of ingest batch retry attempts, by table.",
	}, []string{"table"})
	IngestRowsWritten = *promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chstore_ingest_rows_written_total",
		Help: "Total number of rows written to a physical table.",
	}, []string{"table"})
}

// MetricsPort returns the configured metrics port (METRICS_PORT, default 9090).
func MetricsPort() string {
	port := os.Getenv("METRICS_PORT")
	if port == "" {
		port = "9090"
	}
	return port
}

// MetricsEndpoint returns the configured metrics path (METRICS_ENDPOINT, default /metrics).
func MetricsEndpoint() string {
	endpoint := os.Getenv("METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = "/metrics"
	}
	return endpoint
}

// StartMetricsServer blocks serving the Prometheus handler; run it from a
// goroutine.
func StartMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle(MetricsEndpoint(), promhttp.Handler())

	addr := fmt.Sprintf(":%s", MetricsPort())
	Info("starting metrics server", "address", addr, "endpoint", MetricsEndpoint())

	if err := http.ListenAndServe(addr, mux); err != nil {
		Error("metrics server error", "error", err.Error())
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}
