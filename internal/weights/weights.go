// Package weights maintains per-user adaptive weight vectors. Every update is
// a compare-and-swap against the stored version, retried on conflict.
package weights

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/resilience"
	"github.com/sells-group/scout-cli/internal/store"
)

var (
	// ErrUnknownFeature is returned for a feature name outside the canonical six.
	ErrUnknownFeature = eris.New("weights: unknown feature")
	// ErrUnknownOutcome is returned for an outcome other than closed or ignored.
	ErrUnknownOutcome = eris.New("weights: unknown outcome")
	// ErrInvalidValue is returned for a feature value outside [0,1].
	ErrInvalidValue = eris.New("weights: feature value must be in [0, 1]")
)

// Repo is the subset of store.Store the weight store needs.
type Repo interface {
	GetWeights(ctx context.Context, userID string) (*model.UserWeights, error)
	InitWeights(ctx context.Context, userID string, w model.WeightVector) (*model.UserWeights, error)
	CompareAndSwapWeights(ctx context.Context, userID string, expectedVersion int64, w model.WeightVector, ev *model.WeightUpdateEvent) (*model.UserWeights, error)
	ListWeightEvents(ctx context.Context, userID string, limit int) ([]model.WeightUpdateEvent, error)
}

// Recorder receives weight update metrics. *monitoring.Metrics satisfies it.
type Recorder interface {
	RecordWeightUpdate(outcome model.Outcome)
	RecordWeightConflict()
}

// Config tunes the update rule. IOTimeout bounds each repo call.
type Config struct {
	LearningRate float64
	MaxStep      float64
	MaxAttempts  int
	IOTimeout    time.Duration
}

// Store is the AdaptiveWeightStore. It holds no in-process weight state.
type Store struct {
	repo    Repo
	cfg     Config
	metrics Recorder
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches a metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(s *Store) { s.metrics = r }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a weight store over repo.
func New(repo Repo, cfg Config, opts ...Option) *Store {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	s := &Store{repo: repo, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the user's weight vector, initialising it to the defaults on
// first access. It satisfies scorer.WeightSource.
func (s *Store) Get(ctx context.Context, userID string) (model.WeightVector, error) {
	uw, err := s.Current(ctx, userID)
	if err != nil {
		return model.WeightVector{}, err
	}
	return uw.Weights, nil
}

// Current returns the stored row, including its version.
func (s *Store) Current(ctx context.Context, userID string) (*model.UserWeights, error) {
	uw, err := resilience.Bounded(ctx, s.cfg.IOTimeout, func(ctx context.Context) (*model.UserWeights, error) {
		return s.repo.GetWeights(ctx, userID)
	})
	if err == nil {
		return uw, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "weights: get %s", userID)
	}
	uw, err = resilience.Bounded(ctx, s.cfg.IOTimeout, func(ctx context.Context) (*model.UserWeights, error) {
		return s.repo.InitWeights(ctx, userID, model.DefaultWeights())
	})
	if err != nil {
		return nil, eris.Wrapf(err, "weights: init %s", userID)
	}
	return uw, nil
}

// Delta returns the signed adjustment for one outcome: lr*value capped at
// the max step, positive for closed and negative for ignored.
func (s *Store) Delta(outcome model.Outcome, value float64) float64 {
	step := s.cfg.LearningRate * value
	if s.cfg.MaxStep > 0 && step > s.cfg.MaxStep {
		step = s.cfg.MaxStep
	}
	if outcome == model.OutcomeIgnored {
		return -step
	}
	return step
}

// RecordOutcome adjusts the weight for feature and appends an audit event in
// one conditional write. Lost races are retried with fresh reads; input is
// validated before anything is read or written.
func (s *Store) RecordOutcome(ctx context.Context, userID string, feature model.Feature, outcome model.Outcome, value float64) (*model.UserWeights, error) {
	if !feature.Valid() {
		return nil, eris.Wrapf(ErrUnknownFeature, "%q", feature)
	}
	if !outcome.Valid() {
		return nil, eris.Wrapf(ErrUnknownOutcome, "%q", outcome)
	}
	if math.IsNaN(value) || value < 0 || value > 1 {
		return nil, eris.Wrapf(ErrInvalidValue, "got %v", value)
	}

	log := zap.L().With(
		zap.String("user_id", userID),
		zap.String("feature", string(feature)),
		zap.String("outcome", string(outcome)),
	)

	retryCfg := resilience.ConflictRetryConfig(s.cfg.MaxAttempts)
	logRetry := resilience.RetryLogger("weights", "record_outcome")
	retryCfg.OnRetry = func(attempt int, err error) {
		logRetry(attempt, err)
		if s.metrics != nil {
			s.metrics.RecordWeightConflict()
		}
	}

	updated, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*model.UserWeights, error) {
		cur, err := s.Current(ctx, userID)
		if err != nil {
			return nil, err
		}

		prev := cur.Weights.Get(feature)
		next := math.Max(0, prev+s.Delta(outcome, value))
		w, err := cur.Weights.With(feature, next)
		if err != nil {
			return nil, eris.Wrap(err, "weights: apply delta")
		}

		ev := &model.WeightUpdateEvent{
			UserID:             userID,
			Feature:            feature,
			Outcome:            outcome,
			FeatureValueAtTime: value,
			AppliedDelta:       next - prev,
			CreatedAt:          s.now().UTC(),
		}
		return s.swap(ctx, userID, cur.Version, w, ev)
	})
	if err != nil {
		if resilience.IsConflict(err) {
			log.Error("weights: update abandoned after retries", zap.Error(err))
		}
		return nil, eris.Wrapf(err, "weights: record outcome for %s", userID)
	}

	if s.metrics != nil {
		s.metrics.RecordWeightUpdate(outcome)
	}
	log.Debug("weights: outcome recorded",
		zap.Float64("value", value),
		zap.Int64("version", updated.Version),
	)
	return updated, nil
}

// Reset restores the default vector. No audit event is written.
func (s *Store) Reset(ctx context.Context, userID string) (*model.UserWeights, error) {
	retryCfg := resilience.ConflictRetryConfig(s.cfg.MaxAttempts)
	retryCfg.OnRetry = resilience.RetryLogger("weights", "reset")

	uw, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*model.UserWeights, error) {
		cur, err := s.Current(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.swap(ctx, userID, cur.Version, model.DefaultWeights(), nil)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "weights: reset %s", userID)
	}
	return uw, nil
}

// Events returns the user's most recent weight update events.
func (s *Store) Events(ctx context.Context, userID string, limit int) ([]model.WeightUpdateEvent, error) {
	evs, err := resilience.Bounded(ctx, s.cfg.IOTimeout, func(ctx context.Context) ([]model.WeightUpdateEvent, error) {
		return s.repo.ListWeightEvents(ctx, userID, limit)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "weights: list events for %s", userID)
	}
	return evs, nil
}

func (s *Store) swap(ctx context.Context, userID string, version int64, w model.WeightVector, ev *model.WeightUpdateEvent) (*model.UserWeights, error) {
	return resilience.Bounded(ctx, s.cfg.IOTimeout, func(ctx context.Context) (*model.UserWeights, error) {
		return s.repo.CompareAndSwapWeights(ctx, userID, version, w, ev)
	})
}
