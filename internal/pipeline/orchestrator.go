// Package pipeline drives scan sessions through the scan-to-score stages.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scout-cli/internal/enrich"
	"github.com/sells-group/scout-cli/internal/ingest"
	"github.com/sells-group/scout-cli/internal/intent"
	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/resilience"
	"github.com/sells-group/scout-cli/internal/rules"
	"github.com/sells-group/scout-cli/internal/scorer"
	"github.com/sells-group/scout-cli/internal/store"
)

var (
	// ErrSessionTerminal is returned when Run is called on a complete or failed session.
	ErrSessionTerminal = eris.New("pipeline: session is terminal")
	// ErrSessionStarted is returned when Run is called on a session that already left idle.
	ErrSessionStarted = eris.New("pipeline: session already started")
	// ErrInvalidSource is returned for an unknown source type.
	ErrInvalidSource = eris.New("pipeline: invalid source type")
	// ErrMissingUser is returned when a session has no owner.
	ErrMissingUser = eris.New("pipeline: owner user id is required")
)

// Recorder receives pipeline metrics. *monitoring.Metrics satisfies it.
type Recorder interface {
	RecordStage(stage model.Stage, d time.Duration)
	RecordFailure(stage model.Stage)
	RecordScored(bucket model.Bucket)
	RecordReconciled(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordStage(model.Stage, time.Duration) {}
func (nopRecorder) RecordFailure(model.Stage) {}
func (nopRecorder) RecordScored(model.Bucket) {}
func (nopRecorder) RecordReconciled(int) {}

// Config tunes execution.
type Config struct {
	ScoringWorkers int
	IOTimeout      time.Duration
}

// Orchestrator is the session state machine. Each Run is sequential;
// independent sessions run concurrently.
type Orchestrator struct {
	store      store.Store
	engine     *scorer.Engine
	normalizer *ingest.Normalizer
	enricher   *enrich.Enricher
	analyzer   *intent.Analyzer
	metrics    Recorder
	cfg        Config
	now        func() time.Time

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches a metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithClock overrides the time source used for transitions.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. A nil book selects the embedded rules.
func New(st store.Store, engine *scorer.Engine, book *rules.Book, cfg Config, opts ...Option) *Orchestrator {
	if cfg.ScoringWorkers < 1 {
		cfg.ScoringWorkers = 4
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		store:      st,
		engine:     engine,
		normalizer: ingest.NewNormalizer(),
		enricher:   enrich.New(book),
		analyzer:   intent.New(book),
		metrics:    nopRecorder{},
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateSession persists a new idle session and returns it.
func (o *Orchestrator) CreateSession(ctx context.Context, userID string, source model.SourceType, payload string) (*model.ScanSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if !source.Valid() {
		return nil, eris.Wrapf(ErrInvalidSource, "%q", source)
	}

	sess := &model.ScanSession{
		OwnerUserID: userID,
		SourceType:  source,
		RawPayload:  payload,
		Stage:       model.StageIdle,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.withIO(ctx, "create_session", func(ctx context.Context) error {
		return o.store.CreateSession(ctx, sess)
	}); err != nil {
		return nil, eris.Wrap(err, "pipeline: create session")
	}

	zap.L().Info("pipeline: session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("source", string(source)),
		zap.Int("payload_bytes", len(payload)),
	)
	return sess, nil
}

// Start runs the session in the background. The run outlives ctx
// cancellation; Wait blocks until every started run returns.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) {
	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(bg, sessionID); err != nil {
			zap.L().Warn("pipeline: background run ended with error",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all runs launched by Start have returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// GetSessionStatus returns the stage, progress and error of a session.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, sessionID string) (model.SessionStatus, error) {
	sess, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return model.SessionStatus{}, eris.Wrap(err, "pipeline: get session status")
	}
	return sess.Status(), nil
}

// GetSession returns the full session record.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*model.ScanSession, error) {
	sess, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: get session")
	}
	return sess, nil
}

// ListResults returns a session's scored results, highest score first.
func (o *Orchestrator) ListResults(ctx context.Context, sessionID string) ([]model.ScoredResult, error) {
	res, err := listForSession(ctx, o, sessionID, "list_results", o.store.ListResults)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list results")
	}
	return res, nil
}

// ListEvents returns a session's progress events in order.
func (o *Orchestrator) ListEvents(ctx context.Context, sessionID string) ([]model.ProgressEvent, error) {
	evs, err := listForSession(ctx, o, sessionID, "list_events", o.store.ListEvents)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list events")
	}
	return evs, nil
}

// ListEntities returns the entities extracted for a session.
func (o *Orchestrator) ListEntities(ctx context.Context, sessionID string) ([]model.ExtractedEntity, error) {
	ents, err := listForSession(ctx, o, sessionID, "list_entities", o.store.ListEntities)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list entities")
	}
	return ents, nil
}

func (o *Orchestrator) loadSession(ctx context.Context, sessionID string) (*model.ScanSession, error) {
	var sess *model.ScanSession
	err := o.withIO(ctx, "get_session", func(ctx context.Context) error {
		var err error
		sess, err = o.store.GetSession(ctx, sessionID)
		return err
	})
	return sess, err
}

// listForSession checks the session exists, so a missing id is ErrNotFound
// rather than an empty list, then runs list under the IO timeout.
func listForSession[T any](ctx context.Context, o *Orchestrator, sessionID, op string, list func(ctx context.Context, sessionID string) ([]T, error)) ([]T, error) {
	if _, err := o.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	var out []T
	err := o.withIO(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = list(ctx, sessionID)
		return err
	})
	return out, err
}

// withIO bounds one persistence call by the IO timeout and retries it on
// transient errors.
func (o *Orchestrator) withIO(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("pipeline", op)
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		ioCtx, cancel := context.WithTimeout(ctx, o.cfg.IOTimeout)
		defer cancel()
		return fn(ioCtx)
	})
}
