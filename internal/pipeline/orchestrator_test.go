package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/scorer"
	"github.com/sells-group/scout-cli/internal/store"
	"github.com/sells-group/scout-cli/internal/weights"
)

const twoProspects = "Juan Dela Cruz ofw dubai juan@x.com\n" +
	"random line with nothing useful\n" +
	"Maria Santos manager manila 09171234567\n"

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newOrchestrator(t *testing.T, st store.Store, opts ...Option) *Orchestrator {
	t.Helper()
	ws := weights.New(st, weights.Config{LearningRate: 0.05, MaxStep: 0.05, MaxAttempts: 5})
	return New(st, scorer.NewEngine(ws), nil, Config{ScoringWorkers: 3, IOTimeout: 5 * time.Second}, opts...)
}

// entityFailStore fails ListEntities, which the enriching stage depends on.
type entityFailStore struct {
	store.Store
	mock.Mock
}

func (s *entityFailStore) ListEntities(ctx context.Context, sessionID string) ([]model.ExtractedEntity, error) {
	args := s.Called(ctx, sessionID)
	if v, ok := args.Get(0).([]model.ExtractedEntity); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

// resultFailStore fails every AppendResult.
type resultFailStore struct {
	store.Store
	mock.Mock
}

func (s *resultFailStore) AppendResult(ctx context.Context, r *model.ScoredResult) error {
	return s.Called(ctx, r).Error(0)
}

type countingRecorder struct {
	mu         sync.Mutex
	stages     []model.Stage
	failures   []model.Stage
	scored     map[model.Bucket]int
	reconciled int
}

func (r *countingRecorder) RecordStage(stage model.Stage, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *countingRecorder) RecordFailure(stage model.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, stage)
}

func (r *countingRecorder) RecordScored(b model.Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scored == nil {
		r.scored = make(map[model.Bucket]int)
	}
	r.scored[b]++
}

func (r *countingRecorder) RecordReconciled(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled += n
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, newSQLiteStore(t))

	sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	status, err := o.GetSessionStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageIdle, status.Stage)
	assert.Equal(t, 0, status.ProgressPercent)
	assert.Nil(t, status.ErrorMessage)
}

func TestCreateSession_Validation(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, newSQLiteStore(t))

	_, err := o.CreateSession(ctx, "user-1", model.SourceType("fax"), "x")
	assert.True(t, errors.Is(err, ErrInvalidSource))

	_, err = o.CreateSession(ctx, "  ", model.SourceCSV, "x")
	assert.True(t, errors.Is(err, ErrMissingUser))
}

func TestRun_CompletesAndPersistsResults(t *testing.T) {
	ctx := context.Background()
	rec := &countingRecorder{}
	o := newOrchestrator(t, newSQLiteStore(t), WithMetrics(rec))

	sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)

	got, err := o.Run(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageComplete, got.Stage)
	assert.Equal(t, 100, got.ProgressPercent)

	status, err := o.GetSessionStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageComplete, status.Stage)
	assert.Equal(t, 100, status.ProgressPercent)
	assert.Nil(t, status.ErrorMessage)

	entities, err := o.ListEntities(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	results, err := o.ListResults(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].CompositeScore, results[1].CompositeScore)

	var juan *model.ScoredResult
	for i := range results {
		r := results[i]
		assert.GreaterOrEqual(t, r.CompositeScore, 0)
		assert.LessOrEqual(t, r.CompositeScore, 100)
		assert.Equal(t, model.BucketFor(r.CompositeScore), r.Bucket)
		assert.Equal(t, model.DefaultWeights(), r.WeightVectorSnapshot)
		assert.Equal(t, scorer.Composite(r.FeatureVectorSnapshot, r.WeightVectorSnapshot), r.CompositeScore)
		if r.ProspectSnapshot.Entity.Name != nil && *r.ProspectSnapshot.Entity.Name == "Juan Dela Cruz" {
			juan = &r
		}
	}
	require.NotNil(t, juan)
	assert.Equal(t, "OFW", juan.ProspectSnapshot.Enrichment.LikelyOccupation)
	assert.Equal(t, "Dubai, UAE", juan.ProspectSnapshot.Enrichment.Location)
	assert.Equal(t, "high", juan.ProspectSnapshot.Enrichment.IncomeBracket)
	require.NotNil(t, juan.ProspectSnapshot.Entity.Email)
	assert.Equal(t, "juan@x.com", *juan.ProspectSnapshot.Entity.Email)

	assert.Equal(t, []model.Stage{
		model.StagePreprocessing,
		model.StageParsing,
		model.StageEnriching,
		model.StageDeepIntel,
		model.StageScoring,
	}, rec.stages)
	assert.Empty(t, rec.failures)
	total := 0
	for _, n := range rec.scored {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestRun_StagesInOrder(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, newSQLiteStore(t))

	sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)
	_, err = o.Run(ctx, sess.ID)
	require.NoError(t, err)

	events, err := o.ListEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var stages []model.Stage
	prev := -1
	for _, ev := range events {
		if len(stages) == 0 || stages[len(stages)-1] != ev.Stage {
			stages = append(stages, ev.Stage)
		}
		assert.GreaterOrEqual(t, ev.ProgressPercent, prev, "progress went backwards at %s", ev.Stage)
		prev = ev.ProgressPercent
	}
	assert.Equal(t, model.RunStages(), stages)

	last := events[len(events)-1]
	assert.Equal(t, model.StageComplete, last.Stage)
	assert.Equal(t, 100, last.ProgressPercent)
}

func TestRun_EmptyPayloadCompletes(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, newSQLiteStore(t))

	sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, "nothing to see here\n\n")
	require.NoError(t, err)

	got, err := o.Run(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageComplete, got.Stage)

	results, err := o.ListResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRun_FailureDuringEnrichingKeepsEntities(t *testing.T) {
	ctx := context.Background()
	inner := newSQLiteStore(t)
	st := &entityFailStore{Store: inner}
	st.On("ListEntities", mock.Anything, mock.Anything).Return(nil, errors.New("db unavailable"))

	rec := &countingRecorder{}
	o := newOrchestrator(t, st, WithMetrics(rec))
	sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)

	got, err := o.Run(ctx, sess.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db unavailable")
	assert.Equal(t, model.StageFailed, got.Stage)

	stored, err := inner.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, stored.Stage)
	assert.Equal(t, 0, stored.ProgressPercent)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "db unavailable")
	assert.Contains(t, *stored.ErrorMessage, "enriching")

	// Entities from parsing survive the later failure.
	entities, err := inner.ListEntities(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	results, err := inner.ListResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.Equal(t, []model.Stage{model.StageEnriching}, rec.failures)
	st.AssertExpectations(t)
}

func TestRun_FailureDuringScoring(t *testing.T) {
	ctx := context.Background()
	inner := newSQLiteStore(t)
	st := &resultFailStore{Store: inner}
	st.On("AppendResult", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	o := newOrchestrator(t, st)
	sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)

	_, err = o.Run(ctx, sess.ID)
	require.Error(t, err)

	stored, err := inner.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, stored.Stage)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "disk full")

	entities, err := inner.ListEntities(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestRun_TerminalSessionsAreNotResumed(t *testing.T) {
	ctx := context.Background()
	inner := newSQLiteStore(t)

	// Complete session.
	o := newOrchestrator(t, inner)
	done, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)
	_, err = o.Run(ctx, done.ID)
	require.NoError(t, err)
	before, err := o.ListEvents(ctx, done.ID)
	require.NoError(t, err)

	_, err = o.Run(ctx, done.ID)
	assert.True(t, errors.Is(err, ErrSessionTerminal))
	after, err := o.ListEvents(ctx, done.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	// Failed session.
	st := &entityFailStore{Store: inner}
	st.On("ListEntities", mock.Anything, mock.Anything).Return(nil, errors.New("db unavailable"))
	fo := newOrchestrator(t, st)
	failed, err := fo.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)
	_, err = fo.Run(ctx, failed.ID)
	require.Error(t, err)

	_, err = o.Run(ctx, failed.ID)
	assert.True(t, errors.Is(err, ErrSessionTerminal))
	status, err := o.GetSessionStatus(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, status.Stage)
}

func TestRun_StartedSessionIsRejected(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	o := newOrchestrator(t, st)

	sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
	require.NoError(t, err)
	tr, err := sess.Advance(model.StagePreprocessing, "elsewhere", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.ApplyTransition(ctx, tr))

	_, err = o.Run(ctx, sess.ID)
	assert.True(t, errors.Is(err, ErrSessionStarted))
}

func TestRun_MissingSession(t *testing.T) {
	o := newOrchestrator(t, newSQLiteStore(t))
	_, err := o.Run(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRun_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, newSQLiteStore(t))

	var ids []string
	for i := 0; i < 4; i++ {
		sess, err := o.CreateSession(ctx, "user-1", model.SourcePastedText, twoProspects)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		o.Start(ctx, sess.ID)
	}
	o.Wait()

	for _, id := range ids {
		status, err := o.GetSessionStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StageComplete, status.Stage)

		results, err := o.ListResults(ctx, id)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	}
}

func TestRun_UsesAdaptedWeights(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	ws := weights.New(st, weights.Config{LearningRate: 0.05, MaxStep: 0.05, MaxAttempts: 5})
	o := New(st, scorer.NewEngine(ws), nil, Config{ScoringWorkers: 2, IOTimeout: time.Second})

	adapted, err := ws.RecordOutcome(ctx, "user-2", model.FeatureBuyingPower, model.OutcomeClosed, 1)
	require.NoError(t, err)

	sess, err := o.CreateSession(ctx, "user-2", model.SourcePastedText, twoProspects)
	require.NoError(t, err)
	_, err = o.Run(ctx, sess.ID)
	require.NoError(t, err)

	results, err := o.ListResults(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, adapted.Weights, r.WeightVectorSnapshot)
	}
}

func TestRun_OCRContactCountsAsProvided(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, newSQLiteStore(t))

	sess, err := o.CreateSession(ctx, "user-1", model.SourceImageOCR, "maria santos O917l234567\nmet on 2024-01-15 10:30am")
	require.NoError(t, err)
	_, err = o.Run(ctx, sess.ID)
	require.NoError(t, err)

	results, err := o.ListResults(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)

	snap := results[0].ProspectSnapshot
	require.NotNil(t, snap.Entity.Phone)
	assert.Equal(t, "09171234567", *snap.Entity.Phone)
	assert.Contains(t, snap.Signals.BuyingIndicators, "provided_contact")
}
