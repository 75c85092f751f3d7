package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/resilience"
)

const defaultQueryTimeout = 10 * time.Second

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Sessions created within the lookback window.
	SessionsTotal    int                 `json:"sessions_total"`
	SessionsComplete int                 `json:"sessions_complete"`
	SessionsFailed   int                 `json:"sessions_failed"`
	SessionsIdle     int                 `json:"sessions_idle"`
	SessionsInFlight int                 `json:"sessions_in_flight"`
	FailRate         float64             `json:"fail_rate"`
	ByStage          map[model.Stage]int `json:"by_stage"`

	// Non-terminal sessions of any age not updated within the stale window.
	StaleSessions int `json:"stale_sessions"`

	// Metadata.
	LookbackHours  int       `json:"lookback_hours"`
	StaleAfterMins int       `json:"stale_after_mins"`
	CollectedAt    time.Time `json:"collected_at"`
}

// SessionQuerier is the subset of store.Store the collector reads.
type SessionQuerier interface {
	CountSessionsByStage(ctx context.Context, since time.Time) (map[model.Stage]int, error)
	ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]model.ScanSession, error)
}

// Collector gathers session metrics from the store.
type Collector struct {
	store        SessionQuerier
	staleAfter   time.Duration
	queryTimeout time.Duration
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithQueryTimeout bounds each store query made during Collect.
func WithQueryTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) { c.queryTimeout = d }
}

// NewCollector creates a new metrics collector. staleAfter matches the
// reconciliation window.
func NewCollector(st SessionQuerier, staleAfter time.Duration, opts ...CollectorOption) *Collector {
	c := &Collector{store: st, staleAfter: staleAfter, queryTimeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect gathers a snapshot of session metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:  lookbackHours,
		StaleAfterMins: int(c.staleAfter / time.Minute),
		CollectedAt:    now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := resilience.Bounded(ctx, c.queryTimeout, func(ctx context.Context) (map[model.Stage]int, error) {
		return c.store.CountSessionsByStage(ctx, cutoff)
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count sessions")
	}
	snap.ByStage = counts

	for stage, n := range counts {
		snap.SessionsTotal += n
		switch stage {
		case model.StageComplete:
			snap.SessionsComplete += n
		case model.StageFailed:
			snap.SessionsFailed += n
		case model.StageIdle:
			snap.SessionsIdle += n
		default:
			snap.SessionsInFlight += n
		}
	}

	if finished := snap.SessionsComplete + snap.SessionsFailed; finished > 0 {
		snap.FailRate = float64(snap.SessionsFailed) / float64(finished)
	}

	if c.staleAfter > 0 {
		stale, err := resilience.Bounded(ctx, c.queryTimeout, func(ctx context.Context) ([]model.ScanSession, error) {
			return c.store.ListStaleSessions(ctx, now.Add(-c.staleAfter))
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list stale sessions")
		}
		snap.StaleSessions = len(stale)
	}

	return snap, nil
}
