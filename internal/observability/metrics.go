// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Sync metrics
	RecordsFetched  *prometheus.CounterVec
	PhaseRunsTotal  *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	EndpointErrors  *prometheus.CounterVec
	SyncJobsTotal   *prometheus.CounterVec
	SyncJobDuration *prometheus.HistogramVec

	// Ledger metrics
	TransactionsInserted  prometheus.Counter
	TransactionsDuplicate prometheus.Counter
	RecordsUnmapped       *prometheus.CounterVec

	// Reconciliation metrics
	LinksCommitted   *prometheus.CounterVec
	OffRampsDetected prometheus.Counter
	SendsReclassed   prometheus.Counter

	// Cost-basis metrics
	SnapshotsComputed prometheus.Counter
	ReplayDuration    prometheus.Histogram

	// Health metrics
	LastSuccessfulSync *prometheus.GaugeVec
	UptimeSeconds      prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ledgersync"
	}

	return &Metrics{
		RecordsFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_fetched_total",
			Help:      "Total number of raw exchange records fetched",
		}, []string{"exchange", "phase"}),
		PhaseRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "phase_runs_total",
			Help:      "Total number of phase runs by status",
		}, []string{"exchange", "phase", "status"}),
		PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "phase_duration_seconds",
			Help:      "Phase execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"exchange", "phase"}),
		EndpointErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "endpoint_errors_total",
			Help:      "Total number of isolated endpoint failures",
		}, []string{"exchange", "endpoint"}),
		SyncJobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "jobs_total",
			Help:      "Total number of sync jobs by status",
		}, []string{"status"}),
		SyncJobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "job_duration_seconds",
			Help:      "Sync job duration in seconds",
			Buckets:   []float64{5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"exchange"}),

		TransactionsInserted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_inserted_total",
			Help:      "Total number of canonical transactions stored",
		}),
		TransactionsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_duplicate_total",
			Help:      "Total number of records skipped as already stored",
		}),
		RecordsUnmapped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "records_unmapped_total",
			Help:      "Total number of records with no canonical mapping",
		}, []string{"exchange", "record_type"}),

		LinksCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "links_committed_total",
			Help:      "Total number of transfer links committed by match kind",
		}, []string{"kind"}),
		OffRampsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "off_ramps_detected_total",
			Help:      "Total number of off-ramp review items raised",
		}),
		SendsReclassed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sends_reclassified_total",
			Help:      "Total number of on-chain sends reclassified as exchange transfers",
		}),

		SnapshotsComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "costbasis",
			Name:      "snapshots_computed_total",
			Help:      "Total number of portfolio snapshot recomputations",
		}),
		ReplayDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "costbasis",
			Name:      "replay_duration_seconds",
			Help:      "Full ledger replay duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		LastSuccessfulSync: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sync_timestamp",
			Help:      "Unix timestamp of the last successful sync pass",
		}, []string{"exchange"}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordPhaseRun records one phase execution.
func RecordPhaseRun(exchange, phase, status string, durationSeconds float64) {
	DefaultMetrics.PhaseRunsTotal.WithLabelValues(exchange, phase, status).Inc()
	DefaultMetrics.PhaseDuration.WithLabelValues(exchange, phase).Observe(durationSeconds)
}

// RecordRecordsFetched counts raw records returned by a phase.
func RecordRecordsFetched(exchange, phase string, n int) {
	DefaultMetrics.RecordsFetched.WithLabelValues(exchange, phase).Add(float64(n))
}

// RecordEndpointError counts one isolated endpoint failure.
func RecordEndpointError(exchange, endpoint string) {
	DefaultMetrics.EndpointErrors.WithLabelValues(exchange, endpoint).Inc()
}

// RecordSyncJob records a finished sync job.
func RecordSyncJob(exchange, status string, durationSeconds float64) {
	DefaultMetrics.SyncJobsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.SyncJobDuration.WithLabelValues(exchange).Observe(durationSeconds)
}

// RecordInsert counts a stored or deduplicated transaction.
func RecordInsert(duplicate bool) {
	if duplicate {
		DefaultMetrics.TransactionsDuplicate.Inc()
		return
	}
	DefaultMetrics.TransactionsInserted.Inc()
}

// RecordUnmapped counts a record the canonical mapper rejected.
func RecordUnmapped(exchange, recordType string) {
	DefaultMetrics.RecordsUnmapped.WithLabelValues(exchange, recordType).Inc()
}

// RecordReconciliation records the outcome counts of one reconciliation pass.
func RecordReconciliation(direct, scored, offRamps, reclassified int) {
	DefaultMetrics.LinksCommitted.WithLabelValues("direct").Add(float64(direct))
	DefaultMetrics.LinksCommitted.WithLabelValues("scored").Add(float64(scored))
	DefaultMetrics.OffRampsDetected.Add(float64(offRamps))
	DefaultMetrics.SendsReclassed.Add(float64(reclassified))
}

// RecordReplay records one cost-basis recomputation.
func RecordReplay(durationSeconds float64) {
	DefaultMetrics.SnapshotsComputed.Inc()
	DefaultMetrics.ReplayDuration.Observe(durationSeconds)
}

// MarkSyncSuccess updates the last-successful-sync gauge.
func MarkSyncSuccess(exchange string, unixSeconds int64) {
	DefaultMetrics.LastSuccessfulSync.WithLabelValues(exchange).Set(float64(unixSeconds))
}
