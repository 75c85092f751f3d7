// Package store persists scan sessions, extracted entities, progress events,
// scored results and per-user weight vectors.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/resilience"
)

var (
	// ErrNotFound is returned when a session or weight row does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrVersionConflict is returned when a conditional write lost a race:
	// the session stage or weight version changed since it was read. It
	// matches resilience.ErrConflict so retry loops can classify it.
	ErrVersionConflict = eris.Wrap(resilience.ErrConflict, "store: version conflict")
)

// Store defines the persistence interface for the scan pipeline.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.ScanSession) error
	GetSession(ctx context.Context, id string) (*model.ScanSession, error)
	// ApplyTransition persists t and appends its progress event in one
	// transaction. The write only succeeds while the stored stage still
	// equals t.From(); otherwise ErrVersionConflict.
	ApplyTransition(ctx context.Context, t model.Transition) error
	// RecordProgress raises progress within the current stage and appends a
	// progress event. It requires the stored stage to equal stage and the
	// stored progress to be at most percent; otherwise ErrVersionConflict.
	RecordProgress(ctx context.Context, sessionID string, stage model.Stage, percent int, message string, at time.Time) error
	ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]model.ScanSession, error)
	CountSessionsByStage(ctx context.Context, since time.Time) (map[model.Stage]int, error)

	// Progress events
	ListEvents(ctx context.Context, sessionID string) ([]model.ProgressEvent, error)
	LatestEvent(ctx context.Context, sessionID string) (*model.ProgressEvent, error)

	// Entities
	InsertEntities(ctx context.Context, sessionID string, entities []model.ExtractedEntity) error
	ListEntities(ctx context.Context, sessionID string) ([]model.ExtractedEntity, error)

	// Results
	AppendResult(ctx context.Context, r *model.ScoredResult) error
	ListResults(ctx context.Context, sessionID string) ([]model.ScoredResult, error)

	// Weights
	GetWeights(ctx context.Context, userID string) (*model.UserWeights, error)
	// InitWeights inserts w at version 1 unless a row already exists, and
	// returns whatever row is stored afterwards.
	InitWeights(ctx context.Context, userID string, w model.WeightVector) (*model.UserWeights, error)
	// CompareAndSwapWeights replaces the vector when the stored version
	// equals expectedVersion, bumping the version and appending ev (if
	// non-nil) in the same transaction.
	CompareAndSwapWeights(ctx context.Context, userID string, expectedVersion int64, w model.WeightVector, ev *model.WeightUpdateEvent) (*model.UserWeights, error)
	ListWeightEvents(ctx context.Context, userID string, limit int) ([]model.WeightUpdateEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// DefaultEventLimit caps ListWeightEvents when no limit is given.
const DefaultEventLimit = 100

func eventLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	return limit
}

func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}

func conflict(entity, id string) error {
	return eris.Wrapf(ErrVersionConflict, "%s %s", entity, id)
}

type scannable interface {
	Scan(dest ...any) error
}
