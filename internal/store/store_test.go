package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func strPtr(s string) *string { return &s }

func newSession(t *testing.T, s Store, createdAt time.Time) *model.ScanSession {
	t.Helper()
	sess := &model.ScanSession{
		OwnerUserID: "user-1",
		SourceType:  model.SourcePastedText,
		RawPayload:  "Juan Dela Cruz ofw dubai juan@x.com",
		Stage:       model.StageIdle,
		CreatedAt:   createdAt,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func advanceTo(t *testing.T, s Store, sess *model.ScanSession, target model.Stage, at time.Time) {
	t.Helper()
	for sess.Stage != target {
		next, ok := sess.Stage.Next()
		require.True(t, ok, "no stage after %s", sess.Stage)
		tr, err := sess.Advance(next, "entering "+string(next), at)
		require.NoError(t, err)
		require.NoError(t, s.ApplyTransition(context.Background(), tr))
	}
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sess := newSession(t, s, time.Now().UTC())
		assert.NotEmpty(t, sess.ID)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, "user-1", got.OwnerUserID)
		assert.Equal(t, model.SourcePastedText, got.SourceType)
		assert.Equal(t, model.StageIdle, got.Stage)
		assert.Equal(t, 0, got.ProgressPercent)
		assert.Nil(t, got.ErrorMessage)
		assert.Equal(t, sess.RawPayload, got.RawPayload)
		assert.WithinDuration(t, sess.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("GetSessionNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSession(context.Background(), "nonexistent-id")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ApplyTransitionAppendsEvents", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession(t, s, time.Now().UTC())

		advanceTo(t, s, sess, model.StageComplete, time.Now().UTC())

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StageComplete, got.Stage)
		assert.Equal(t, 100, got.ProgressPercent)
		assert.Equal(t, "entering complete", got.StatusMessage)

		events, err := s.ListEvents(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, events, len(model.RunStages()))
		for i, st := range model.RunStages() {
			assert.Equal(t, st, events[i].Stage)
			assert.Equal(t, st.Progress(), events[i].ProgressPercent)
		}

		latest, err := s.LatestEvent(ctx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, model.StageComplete, latest.Stage)
		assert.Equal(t, 100, latest.ProgressPercent)
	})

	t.Run("LatestEventNone", func(t *testing.T) {
		s := newStore(t)
		sess := newSession(t, s, time.Now().UTC())
		ev, err := s.LatestEvent(context.Background(), sess.ID)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("ApplyTransitionStaleFromConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession(t, s, time.Now().UTC())

		// Two copies of the same idle session race to advance.
		a := *sess
		b := *sess
		ta, err := a.Advance(model.StagePreprocessing, "a", time.Now().UTC())
		require.NoError(t, err)
		tb, err := b.Fail("b failed", time.Now().UTC())
		require.NoError(t, err)

		require.NoError(t, s.ApplyTransition(ctx, ta))
		err = s.ApplyTransition(ctx, tb)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVersionConflict))
		assert.True(t, resilience.IsConflict(err))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StagePreprocessing, got.Stage)

		events, err := s.ListEvents(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("RecordProgressWithinStage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession(t, s, time.Now().UTC())
		advanceTo(t, s, sess, model.StageScoring, time.Now().UTC())

		require.NoError(t, s.RecordProgress(ctx, sess.ID, model.StageScoring, 100, "scored 3 prospects", time.Now().UTC()))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StageScoring, got.Stage)
		assert.Equal(t, 100, got.ProgressPercent)

		latest, err := s.LatestEvent(ctx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, model.StageScoring, latest.Stage)
		assert.Equal(t, 100, latest.ProgressPercent)
		assert.Equal(t, "scored 3 prospects", latest.Message)

		// Lower progress or a different stage is rejected.
		err = s.RecordProgress(ctx, sess.ID, model.StageScoring, 90, "backwards", time.Now().UTC())
		assert.True(t, errors.Is(err, ErrVersionConflict))
		err = s.RecordProgress(ctx, sess.ID, model.StageParsing, 100, "wrong stage", time.Now().UTC())
		assert.True(t, errors.Is(err, ErrVersionConflict))
		err = s.RecordProgress(ctx, "missing", model.StageScoring, 100, "", time.Now().UTC())
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ApplyTransitionMissingSession", func(t *testing.T) {
		s := newStore(t)
		ghost := &model.ScanSession{ID: "ghost", Stage: model.StageIdle}
		tr, err := ghost.Advance(model.StagePreprocessing, "x", time.Now().UTC())
		require.NoError(t, err)

		err = s.ApplyTransition(context.Background(), tr)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("FailRecordsErrorMessage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession(t, s, time.Now().UTC())
		advanceTo(t, s, sess, model.StageEnriching, time.Now().UTC())

		tr, err := sess.Fail("store: write failed", time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, s.ApplyTransition(ctx, tr))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StageFailed, got.Stage)
		assert.Equal(t, 0, got.ProgressPercent)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "store: write failed", *got.ErrorMessage)
	})

	t.Run("InsertAndListEntities", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession(t, s, time.Now().UTC())

		entities := []model.ExtractedEntity{
			{Position: 0, RawText: "Juan Dela Cruz juan@x.com", Name: strPtr("Juan Dela Cruz"), Email: strPtr("juan@x.com"), SourceTag: "pasted_text"},
			{Position: 1, RawText: "call 09171234567", Phone: strPtr("09171234567"), SourceTag: "pasted_text"},
		}
		require.NoError(t, s.InsertEntities(ctx, sess.ID, entities))
		for _, e := range entities {
			assert.NotEmpty(t, e.ID)
			assert.Equal(t, sess.ID, e.SessionID)
		}

		got, err := s.ListEntities(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Juan Dela Cruz", *got[0].Name)
		assert.Equal(t, "juan@x.com", *got[0].Email)
		assert.Nil(t, got[0].Phone)
		assert.Nil(t, got[1].Name)
		assert.Equal(t, "09171234567", *got[1].Phone)
	})

	t.Run("InsertEntitiesEmpty", func(t *testing.T) {
		s := newStore(t)
		sess := newSession(t, s, time.Now().UTC())
		require.NoError(t, s.InsertEntities(context.Background(), sess.ID, nil))

		got, err := s.ListEntities(context.Background(), sess.ID)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("AppendResultsConcurrently", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession(t, s, time.Now().UTC())

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				score := (i * 7) % 101
				errs <- s.AppendResult(ctx, &model.ScoredResult{
					SessionID: sess.ID,
					ProspectSnapshot: model.ProspectSnapshot{
						Entity:     model.ExtractedEntity{Position: i, RawText: fmt.Sprintf("row %d", i)},
						Enrichment: model.Enrichment{LikelyOccupation: "OFW", Location: "Dubai, UAE", IncomeBracket: "high"},
						Signals:    model.IntentSignals{IntentTags: []string{"seeking_income"}},
					},
					CompositeScore:        score,
					Bucket:                model.BucketFor(score),
					FeatureVectorSnapshot: model.FeatureVector{IntentStrength: 0.8},
					WeightVectorSnapshot:  model.DefaultWeights(),
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		results, err := s.ListResults(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, results, n)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].CompositeScore, results[i].CompositeScore)
		}
		first := results[0]
		assert.Equal(t, model.BucketFor(first.CompositeScore), first.Bucket)
		assert.Equal(t, "OFW", first.ProspectSnapshot.Enrichment.LikelyOccupation)
		assert.Equal(t, []string{"seeking_income"}, first.ProspectSnapshot.Signals.IntentTags)
		assert.Equal(t, model.DefaultWeights(), first.WeightVectorSnapshot)
		assert.InDelta(t, 0.8, first.FeatureVectorSnapshot.IntentStrength, 1e-9)
	})

	t.Run("AppendResultResendIsNoop", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession(t, s, time.Now().UTC())

		r := &model.ScoredResult{
			SessionID:            sess.ID,
			CompositeScore:       55,
			Bucket:               model.BucketWarm,
			WeightVectorSnapshot: model.DefaultWeights(),
		}
		require.NoError(t, s.AppendResult(ctx, r))
		id := r.ID
		require.NotEmpty(t, id)

		require.NoError(t, s.AppendResult(ctx, r))
		assert.Equal(t, id, r.ID)

		results, err := s.ListResults(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, id, results[0].ID)
	})

	t.Run("WeightsInitIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetWeights(ctx, "user-1")
		assert.True(t, errors.Is(err, ErrNotFound))

		uw, err := s.InitWeights(ctx, "user-1", model.DefaultWeights())
		require.NoError(t, err)
		assert.Equal(t, int64(1), uw.Version)
		assert.Equal(t, model.DefaultWeights(), uw.Weights)

		other := model.WeightVector{IntentStrength: 1}
		again, err := s.InitWeights(ctx, "user-1", other)
		require.NoError(t, err)
		assert.Equal(t, int64(1), again.Version)
		assert.Equal(t, model.DefaultWeights(), again.Weights, "second init must not overwrite")
	})

	t.Run("CompareAndSwapWeights", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		uw, err := s.InitWeights(ctx, "user-1", model.DefaultWeights())
		require.NoError(t, err)

		next, err := uw.Weights.With(model.FeatureBuyingPower, 0.245)
		require.NoError(t, err)
		ev := &model.WeightUpdateEvent{
			Feature:            model.FeatureBuyingPower,
			Outcome:            model.OutcomeClosed,
			FeatureValueAtTime: 0.9,
			AppliedDelta:       0.045,
		}
		swapped, err := s.CompareAndSwapWeights(ctx, "user-1", uw.Version, next, ev)
		require.NoError(t, err)
		assert.Equal(t, int64(2), swapped.Version)
		assert.NotEmpty(t, ev.ID)

		// Stale version loses.
		_, err = s.CompareAndSwapWeights(ctx, "user-1", uw.Version, model.DefaultWeights(), nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVersionConflict))

		got, err := s.GetWeights(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.InDelta(t, 0.245, got.Weights.BuyingPower, 1e-9)

		events, err := s.ListWeightEvents(ctx, "user-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.FeatureBuyingPower, events[0].Feature)
		assert.Equal(t, model.OutcomeClosed, events[0].Outcome)
		assert.InDelta(t, 0.045, events[0].AppliedDelta, 1e-9)
	})

	t.Run("CompareAndSwapMissingUser", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CompareAndSwapWeights(context.Background(), "nobody", 1, model.DefaultWeights(), nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListStaleSessions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := time.Now().UTC().Add(-2 * time.Hour)

		stuck := newSession(t, s, old)
		advanceTo(t, s, stuck, model.StageScoring, old)

		done := newSession(t, s, old)
		advanceTo(t, s, done, model.StageComplete, old)

		fresh := newSession(t, s, time.Now().UTC())
		advanceTo(t, s, fresh, model.StageParsing, time.Now().UTC())

		stale, err := s.ListStaleSessions(ctx, time.Now().UTC().Add(-30*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, stuck.ID, stale[0].ID)
		assert.Equal(t, model.StageScoring, stale[0].Stage)
	})

	t.Run("CountSessionsByStage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		a := newSession(t, s, now)
		advanceTo(t, s, a, model.StageComplete, now)
		b := newSession(t, s, now)
		advanceTo(t, s, b, model.StageComplete, now)
		c := newSession(t, s, now)
		tr, err := c.Fail("boom", now)
		require.NoError(t, err)
		require.NoError(t, s.ApplyTransition(ctx, tr))
		newSession(t, s, now.Add(-48*time.Hour))

		counts, err := s.CountSessionsByStage(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, counts[model.StageComplete])
		assert.Equal(t, 1, counts[model.StageFailed])
		assert.Equal(t, 0, counts[model.StageIdle])
	})
}

func TestWithTimeFormat(t *testing.T) {
	assert.Equal(t, "scout.db?_time_format=sqlite", withTimeFormat("scout.db"))
	assert.Equal(t, "file:x.db?cache=shared&_time_format=sqlite", withTimeFormat("file:x.db?cache=shared"))
	assert.Equal(t, "x.db?_time_format=sqlite", withTimeFormat("x.db?_time_format=sqlite"))
}
