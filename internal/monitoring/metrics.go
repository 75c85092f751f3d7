package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/scout-cli/internal/model"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the scan pipeline and weight store.
type Metrics struct {
	// Pipeline
	StageTransitionsTotal *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	SessionsFailedTotal   *prometheus.CounterVec
	ProspectsScoredTotal  *prometheus.CounterVec
	ReconciledTotal       prometheus.Counter

	// Adaptive weights
	WeightUpdatesTotal   *prometheus.CounterVec
	WeightConflictsTotal prometheus.Counter

	// Snapshot gauges refreshed by the Checker
	SessionsByStage *prometheus.GaugeVec
	StaleSessions   prometheus.Gauge
}

// NewMetrics creates and registers the process-wide metrics. Registration
// happens once; later calls return the same instance.
//
// Metrics:
//   - scout_stage_transitions_total{stage}
//   - scout_stage_duration_seconds{stage}
//   - scout_sessions_failed_total{stage}
//   - scout_prospects_scored_total{bucket}
//   - scout_sessions_reconciled_total
//   - scout_weight_updates_total{outcome}
//   - scout_weight_update_conflicts_total
//   - scout_sessions{stage}
//   - scout_stale_sessions
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StageTransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scout_stage_transitions_total",
					Help: "Total number of session stage transitions persisted",
				},
				[]string{"stage"},
			),

			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "scout_stage_duration_seconds",
					Help:    "Time spent executing a pipeline stage",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
				},
				[]string{"stage"},
			),

			SessionsFailedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scout_sessions_failed_total",
					Help: "Total number of sessions moved to failed, by the stage that failed",
				},
				[]string{"stage"},
			),

			ProspectsScoredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scout_prospects_scored_total",
					Help: "Total number of prospects scored",
				},
				[]string{"bucket"},
			),

			ReconciledTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "scout_sessions_reconciled_total",
					Help: "Total number of stale sessions force-completed by reconciliation",
				},
			),

			WeightUpdatesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scout_weight_updates_total",
					Help: "Total number of applied weight updates",
				},
				[]string{"outcome"},
			),

			WeightConflictsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "scout_weight_update_conflicts_total",
					Help: "Total number of optimistic weight updates that lost a race and retried",
				},
			),

			SessionsByStage: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "scout_sessions",
					Help: "Sessions created within the lookback window, by current stage",
				},
				[]string{"stage"},
			),

			StaleSessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "scout_stale_sessions",
					Help: "Non-terminal sessions not updated within the stale window",
				},
			),
		}
	})

	return globalMetrics
}

// RecordStage records a persisted transition into stage and how long the
// work leading to it took.
func (m *Metrics) RecordStage(stage model.Stage, d time.Duration) {
	m.StageTransitionsTotal.WithLabelValues(string(stage)).Inc()
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// RecordFailure records a session failing while in stage.
func (m *Metrics) RecordFailure(stage model.Stage) {
	m.SessionsFailedTotal.WithLabelValues(string(stage)).Inc()
}

// RecordScored records one scored prospect.
func (m *Metrics) RecordScored(bucket model.Bucket) {
	m.ProspectsScoredTotal.WithLabelValues(string(bucket)).Inc()
}

// RecordReconciled adds n force-completed sessions.
func (m *Metrics) RecordReconciled(n int) {
	m.ReconciledTotal.Add(float64(n))
}

// RecordWeightUpdate records an applied weight update.
func (m *Metrics) RecordWeightUpdate(outcome model.Outcome) {
	m.WeightUpdatesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordWeightConflict records a lost compare-and-swap.
func (m *Metrics) RecordWeightConflict() {
	m.WeightConflictsTotal.Inc()
}

// SetSnapshot refreshes the gauges from a collected snapshot.
func (m *Metrics) SetSnapshot(snap *MetricsSnapshot) {
	m.SessionsByStage.Reset()
	for stage, n := range snap.ByStage {
		m.SessionsByStage.WithLabelValues(string(stage)).Set(float64(n))
	}
	m.StaleSessions.Set(float64(snap.StaleSessions))
}
