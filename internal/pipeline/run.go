package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/scout-cli/internal/features"
	"github.com/sells-group/scout-cli/internal/ingest"
	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/scorer"
)

var stageMessages = map[model.Stage]string{
	model.StagePreprocessing: "normalising payload",
	model.StageParsing:       "extracting contacts",
	model.StageEnriching:     "enriching prospects",
	model.StageDeepIntel:     "analysing intent",
	model.StageScoring:       "scoring prospects",
	model.StageComplete:      "scan complete",
}

// scanRun carries in-memory stage outputs for one Run.
type scanRun struct {
	sess      *model.ScanSession
	lines     []string
	entities  []model.ExtractedEntity
	prospects []model.EnrichedProspect
	signals   []model.IntentSignals
	scored    int
}

// Run drives an idle session through every stage to complete. A stage error
// moves the session to failed and is returned; data persisted by earlier
// stages is kept. The returned session reflects the last persisted state.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*model.ScanSession, error) {
	sess, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load session")
	}
	if sess.Stage.Terminal() {
		return sess, eris.Wrapf(ErrSessionTerminal, "%s is %s", sess.ID, sess.Stage)
	}
	if sess.Stage != model.StageIdle {
		return sess, eris.Wrapf(ErrSessionStarted, "%s is %s", sess.ID, sess.Stage)
	}

	log := zap.L().With(
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.OwnerUserID),
	)
	log.Info("pipeline: starting scan", zap.String("source", string(sess.SourceType)))
	runStart := time.Now()

	run := &scanRun{sess: sess}
	for _, stage := range model.RunStages() {
		if err := o.advance(ctx, sess, stage); err != nil {
			return sess, o.fail(ctx, sess, err, log)
		}
		if stage == model.StageComplete {
			break
		}

		start := time.Now()
		if err := o.runStage(ctx, run, stage); err != nil {
			return sess, o.fail(ctx, sess, eris.Wrapf(err, "pipeline: %s", stage), log)
		}
		elapsed := time.Since(start)
		o.metrics.RecordStage(stage, elapsed)
		log.Debug("pipeline: stage complete",
			zap.String("stage", string(stage)),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	}

	log.Info("pipeline: scan complete",
		zap.Int("entities", len(run.entities)),
		zap.Int("scored", run.scored),
		zap.Int64("duration_ms", time.Since(runStart).Milliseconds()),
	)
	return sess, nil
}

// advance persists the move to stage. The in-memory session only changes
// once the store accepted the transition.
func (o *Orchestrator) advance(ctx context.Context, sess *model.ScanSession, stage model.Stage) error {
	next := *sess
	t, err := next.Advance(stage, stageMessages[stage], o.now().UTC())
	if err != nil {
		return err
	}
	if err := o.withIO(ctx, "apply_transition", func(ctx context.Context) error {
		return o.store.ApplyTransition(ctx, t)
	}); err != nil {
		return eris.Wrapf(err, "pipeline: persist stage %s", stage)
	}
	*sess = next
	return nil
}

// fail records cause on the session. The write uses a context detached from
// ctx so a cancelled run still leaves a failed session behind.
func (o *Orchestrator) fail(ctx context.Context, sess *model.ScanSession, cause error, log *zap.Logger) error {
	stage := sess.Stage
	o.metrics.RecordFailure(stage)
	log.Error("pipeline: stage failed", zap.String("stage", string(stage)), zap.Error(cause))

	next := *sess
	t, err := next.Fail(cause.Error(), o.now().UTC())
	if err != nil {
		return cause
	}
	if err := o.withIO(context.WithoutCancel(ctx), "apply_transition", func(ctx context.Context) error {
		return o.store.ApplyTransition(ctx, t)
	}); err != nil {
		log.Error("pipeline: could not record failure", zap.Error(err))
		return errors.Join(cause, err)
	}
	*sess = next
	return cause
}

func (o *Orchestrator) runStage(ctx context.Context, run *scanRun, stage model.Stage) error {
	switch stage {
	case model.StagePreprocessing:
		run.lines = ingest.Lines(run.sess.RawPayload, run.sess.SourceType)
		return nil
	case model.StageParsing:
		return o.parse(ctx, run)
	case model.StageEnriching:
		return o.enrich(ctx, run)
	case model.StageDeepIntel:
		run.signals = make([]model.IntentSignals, len(run.prospects))
		for i, p := range run.prospects {
			run.signals[i] = o.analyzer.AnalyzeEntity(p.Entity)
		}
		return nil
	case model.StageScoring:
		return o.score(ctx, run)
	}
	return eris.Errorf("pipeline: no work defined for stage %s", stage)
}

func (o *Orchestrator) parse(ctx context.Context, run *scanRun) error {
	entities := o.normalizer.Extract(run.lines, run.sess.SourceType)
	if err := o.withIO(ctx, "insert_entities", func(ctx context.Context) error {
		return o.store.InsertEntities(ctx, run.sess.ID, entities)
	}); err != nil {
		return eris.Wrap(err, "persist entities")
	}
	run.entities = entities
	return nil
}

// enrich reads the persisted entities back so later stages work on exactly
// what a caller of ListEntities sees.
func (o *Orchestrator) enrich(ctx context.Context, run *scanRun) error {
	var stored []model.ExtractedEntity
	if err := o.withIO(ctx, "list_entities", func(ctx context.Context) error {
		var err error
		stored, err = o.store.ListEntities(ctx, run.sess.ID)
		return err
	}); err != nil {
		return eris.Wrap(err, "load entities")
	}

	run.entities = stored
	run.prospects = make([]model.EnrichedProspect, len(stored))
	for i, e := range stored {
		run.prospects[i] = o.enricher.Enrich(e)
	}
	return nil
}

// score fetches the owner's weights once, then scores prospects on a bounded
// worker pool. Each result is appended independently.
func (o *Orchestrator) score(ctx context.Context, run *scanRun) error {
	var weights model.WeightVector
	if err := o.withIO(ctx, "get_weights", func(ctx context.Context) error {
		var err error
		weights, err = o.engine.Weights(ctx, run.sess.OwnerUserID)
		return err
	}); err != nil {
		return eris.Wrap(err, "load weights")
	}

	var scored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ScoringWorkers)
	for i := range run.prospects {
		p, sig := run.prospects[i], run.signals[i]
		g.Go(func() error {
			fv := features.Build(p, sig)
			score := scorer.Composite(fv, weights)
			res := &model.ScoredResult{
				SessionID: run.sess.ID,
				ProspectSnapshot: model.ProspectSnapshot{
					Entity:     p.Entity,
					Enrichment: p.Enrichment,
					Signals:    sig,
				},
				CompositeScore:        score,
				Bucket:                model.BucketFor(score),
				FeatureVectorSnapshot: fv,
				WeightVectorSnapshot:  weights,
				CreatedAt:             o.now().UTC(),
			}
			if err := o.withIO(gctx, "append_result", func(ctx context.Context) error {
				return o.store.AppendResult(ctx, res)
			}); err != nil {
				return eris.Wrapf(err, "persist result for entity %d", p.Entity.Position)
			}
			scored.Add(1)
			o.metrics.RecordScored(res.Bucket)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		run.scored = int(scored.Load())
		return err
	}
	run.scored = int(scored.Load())

	msg := fmt.Sprintf("scored %d prospects", run.scored)
	now := o.now().UTC()
	if err := o.withIO(ctx, "record_progress", func(ctx context.Context) error {
		return o.store.RecordProgress(ctx, run.sess.ID, model.StageScoring, 100, msg, now)
	}); err != nil {
		return eris.Wrap(err, "record scoring progress")
	}
	run.sess.ProgressPercent = 100
	run.sess.StatusMessage = msg
	run.sess.UpdatedAt = now
	return nil
}
