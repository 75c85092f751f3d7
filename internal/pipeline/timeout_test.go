package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/scorer"
	"github.com/sells-group/scout-cli/internal/store"
	"github.com/sells-group/scout-cli/internal/weights"
)

// stalledReadStore never answers session reads until the caller gives up.
type stalledReadStore struct {
	store.Store
}

func (stalledReadStore) GetSession(ctx context.Context, _ string) (*model.ScanSession, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledReadStore) ListStaleSessions(ctx context.Context, _ time.Time) ([]model.ScanSession, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stalledEventStore lists stale sessions but never returns their latest event.
type stalledEventStore struct {
	store.Store
}

func (stalledEventStore) LatestEvent(ctx context.Context, _ string) (*model.ProgressEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func shortTimeoutOrchestrator(st store.Store) *Orchestrator {
	ws := weights.New(st, weights.Config{LearningRate: 0.05, MaxStep: 0.05, MaxAttempts: 5, IOTimeout: 30 * time.Millisecond})
	return New(st, scorer.NewEngine(ws), nil, Config{ScoringWorkers: 2, IOTimeout: 30 * time.Millisecond})
}

func TestReads_AreBoundedByIOTimeout(t *testing.T) {
	ctx := context.Background()
	o := shortTimeoutOrchestrator(stalledReadStore{Store: newSQLiteStore(t)})

	calls := map[string]func() error{
		"status": func() error {
			_, err := o.GetSessionStatus(ctx, "s1")
			return err
		},
		"session": func() error {
			_, err := o.GetSession(ctx, "s1")
			return err
		},
		"results": func() error {
			_, err := o.ListResults(ctx, "s1")
			return err
		},
		"events": func() error {
			_, err := o.ListEvents(ctx, "s1")
			return err
		},
		"entities": func() error {
			_, err := o.ListEntities(ctx, "s1")
			return err
		},
		"run": func() error {
			_, err := o.Run(ctx, "s1")
			return err
		},
		"reconcile": func() error {
			_, err := o.ReconcileStaleSessions(ctx, time.Minute)
			return err
		},
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			err := call()
			require.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), 3*time.Second)
		})
	}
}

func TestReconcile_StalledLatestEventTimesOut(t *testing.T) {
	ctx := context.Background()
	base := newSQLiteStore(t)
	stuck := stuckSession(t, base, model.StageScoring, time.Now().UTC().Add(-2*time.Hour), true)

	o := shortTimeoutOrchestrator(stalledEventStore{Store: base})
	start := time.Now()
	fixed, err := o.ReconcileStaleSessions(ctx, 30*time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, fixed)
	assert.Less(t, time.Since(start), 3*time.Second)

	got, err := base.GetSession(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageScoring, got.Stage)
}
