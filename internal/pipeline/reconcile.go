package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/resilience"
)

// ReconcileStaleSessions force-completes sessions that sat in a non-terminal
// stage for longer than timeout while their latest progress event already
// reports 100%. Sessions changed concurrently are skipped, so repeated calls
// fix each session at most once. It returns the number of sessions fixed.
func (o *Orchestrator) ReconcileStaleSessions(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, eris.New("pipeline: reconcile timeout must be positive")
	}
	log := zap.L().With(zap.String("component", "pipeline.reconcile"))

	cutoff := o.now().UTC().Add(-timeout)
	var stale []model.ScanSession
	err := o.withIO(ctx, "list_stale_sessions", func(ctx context.Context) error {
		var err error
		stale, err = o.store.ListStaleSessions(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list stale sessions")
	}

	fixed := 0
	for i := range stale {
		sess := stale[i]

		var ev *model.ProgressEvent
		err = o.withIO(ctx, "latest_event", func(ctx context.Context) error {
			var err error
			ev, err = o.store.LatestEvent(ctx, sess.ID)
			return err
		})
		if err != nil {
			return fixed, eris.Wrapf(err, "pipeline: latest event for %s", sess.ID)
		}
		if ev == nil || ev.ProgressPercent < 100 {
			log.Debug("pipeline: stale session not finished, leaving as is",
				zap.String("session_id", sess.ID),
				zap.String("stage", string(sess.Stage)),
			)
			continue
		}

		t, err := sess.ForceComplete(o.now().UTC())
		if err != nil {
			continue
		}
		if err := o.withIO(ctx, "apply_transition", func(ctx context.Context) error {
			return o.store.ApplyTransition(ctx, t)
		}); err != nil {
			if resilience.IsConflict(err) {
				log.Debug("pipeline: session changed during reconcile", zap.String("session_id", sess.ID))
				continue
			}
			return fixed, eris.Wrapf(err, "pipeline: force complete %s", sess.ID)
		}

		fixed++
		log.Info("pipeline: reconciled stale session",
			zap.String("session_id", sess.ID),
			zap.String("from_stage", string(t.From())),
		)
	}

	o.metrics.RecordReconciled(fixed)
	if len(stale) > 0 {
		log.Info("pipeline: reconcile pass complete",
			zap.Int("stale", len(stale)),
			zap.Int("fixed", fixed),
		)
	}
	return fixed, nil
}
