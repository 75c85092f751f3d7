package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/store"
)

// stuckSession creates a session parked in stage at the given time. When
// finished is true its latest event reports 100%.
func stuckSession(t *testing.T, st store.Store, stage model.Stage, at time.Time, finished bool) *model.ScanSession {
	t.Helper()
	ctx := context.Background()
	sess := &model.ScanSession{
		OwnerUserID: "user-1",
		SourceType:  model.SourcePastedText,
		RawPayload:  "Juan Dela Cruz juan@x.com",
		Stage:       model.StageIdle,
		CreatedAt:   at,
	}
	require.NoError(t, st.CreateSession(ctx, sess))
	for sess.Stage != stage {
		next, ok := sess.Stage.Next()
		require.True(t, ok)
		tr, err := sess.Advance(next, "entering "+string(next), at)
		require.NoError(t, err)
		require.NoError(t, st.ApplyTransition(ctx, tr))
	}
	if finished {
		require.NoError(t, st.RecordProgress(ctx, sess.ID, stage, 100, "scored 1 prospects", at))
	}
	return sess
}

func TestReconcileStaleSessions(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	rec := &countingRecorder{}
	o := newOrchestrator(t, st, WithMetrics(rec))

	old := time.Now().UTC().Add(-2 * time.Hour)
	stuck := stuckSession(t, st, model.StageScoring, old, true)
	unfinished := stuckSession(t, st, model.StageScoring, old, false)
	fresh := stuckSession(t, st, model.StageScoring, time.Now().UTC(), true)

	fixed, err := o.ReconcileStaleSessions(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	got, err := st.GetSession(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageComplete, got.Stage)
	assert.Equal(t, 100, got.ProgressPercent)

	latest, err := st.LatestEvent(ctx, stuck.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.StageComplete, latest.Stage)

	for _, id := range []string{unfinished.ID, fresh.ID} {
		got, err := st.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StageScoring, got.Stage)
	}

	// A second pass finds nothing left to fix.
	events, err := st.ListEvents(ctx, stuck.ID)
	require.NoError(t, err)

	fixed, err = o.ReconcileStaleSessions(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, fixed)

	again, err := st.ListEvents(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Len(t, again, len(events))
	assert.Equal(t, 1, rec.reconciled)
}

func TestReconcileStaleSessions_IgnoresTerminal(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	o := newOrchestrator(t, st)

	old := time.Now().UTC().Add(-2 * time.Hour)
	sess := stuckSession(t, st, model.StageComplete, old, false)

	fixed, err := o.ReconcileStaleSessions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, fixed)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageComplete, got.Stage)
}

func TestReconcileStaleSessions_InvalidTimeout(t *testing.T) {
	o := newOrchestrator(t, newSQLiteStore(t))
	_, err := o.ReconcileStaleSessions(context.Background(), 0)
	require.Error(t, err)
}
