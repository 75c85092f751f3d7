package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/scout-cli/internal/db"
	"github.com/sells-group/scout-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest pipeline paths.
var preparedStatements = map[string]string{
	"get_session":     `SELECT ` + pgSessionColumns + ` FROM scan_sessions WHERE id = $1`,
	"advance_stage":   pgAdvanceStage,
	"insert_event":    pgInsertEvent,
	"record_progress": pgRecordProgress,
	"insert_result":   pgInsertResult,
	"get_weights":     `SELECT weights, version FROM user_weights WHERE user_id = $1`,
	"swap_weights":    pgSwapWeights,
	"insert_wevent":   pgInsertWeightEvent,
	"latest_event":    pgLatestEvent,
	"list_results":    pgListResults,
	"list_entities":   pgListEntities,
	"list_events":     pgListEvents,
	"session_exists":  `SELECT 1 FROM scan_sessions WHERE id = $1`,
}

const (
	pgSessionColumns = `id, owner_user_id, source_type, raw_payload, stage, progress_percent, status_message, error_message, created_at, updated_at`

	pgAdvanceStage = `UPDATE scan_sessions
	SET stage = $1, progress_percent = $2, status_message = $3, error_message = $4, updated_at = $5
	WHERE id = $6 AND stage = $7`

	pgRecordProgress = `UPDATE scan_sessions
	SET progress_percent = $1, status_message = $2, updated_at = $3
	WHERE id = $4 AND stage = $5 AND progress_percent <= $1`

	pgInsertEvent = `INSERT INTO progress_events (id, session_id, stage, progress_percent, message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	pgLatestEvent = `SELECT id, session_id, stage, progress_percent, message, created_at
	FROM progress_events WHERE session_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`

	pgListEvents = `SELECT id, session_id, stage, progress_percent, message, created_at
	FROM progress_events WHERE session_id = $1 ORDER BY created_at, seq`

	pgListEntities = `SELECT id, session_id, position, raw_text, name, email, phone, source_tag, created_at
	FROM extracted_entities WHERE session_id = $1 ORDER BY position`

	pgInsertResult = `INSERT INTO scored_results (id, session_id, prospect, composite_score, bucket, feature_vector, weight_vector, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING`

	pgListResults = `SELECT id, session_id, prospect, composite_score, bucket, feature_vector, weight_vector, created_at
	FROM scored_results WHERE session_id = $1 ORDER BY composite_score DESC, created_at, id`

	pgSwapWeights = `UPDATE user_weights SET weights = $1, version = version + 1, updated_at = $2
	WHERE user_id = $3 AND version = $4`

	pgInsertWeightEvent = `INSERT INTO weight_update_events (id, user_id, feature, outcome, feature_value_at_time, applied_delta, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

var entityColumns = []string{"id", "session_id", "position", "raw_text", "name", "email", "phone", "source_tag", "created_at"}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scan_sessions (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_user_id    TEXT NOT NULL,
	source_type      TEXT NOT NULL,
	raw_payload      TEXT NOT NULL,
	stage            TEXT NOT NULL DEFAULT 'idle',
	progress_percent INTEGER NOT NULL DEFAULT 0 CHECK (progress_percent BETWEEN 0 AND 100),
	status_message   TEXT NOT NULL DEFAULT '',
	error_message    TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS progress_events (
	seq              BIGSERIAL,
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id       TEXT NOT NULL REFERENCES scan_sessions(id),
	stage            TEXT NOT NULL,
	progress_percent INTEGER NOT NULL,
	message          TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extracted_entities (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id TEXT NOT NULL REFERENCES scan_sessions(id),
	position   INTEGER NOT NULL,
	raw_text   TEXT NOT NULL,
	name       TEXT,
	email      TEXT,
	phone      TEXT,
	source_tag TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scored_results (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id      TEXT NOT NULL REFERENCES scan_sessions(id),
	prospect        JSONB NOT NULL,
	composite_score INTEGER NOT NULL CHECK (composite_score BETWEEN 0 AND 100),
	bucket          TEXT NOT NULL,
	feature_vector  JSONB NOT NULL,
	weight_vector   JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_weights (
	user_id    TEXT PRIMARY KEY,
	weights    JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS weight_update_events (
	seq                   BIGSERIAL,
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id               TEXT NOT NULL,
	feature               TEXT NOT NULL,
	outcome               TEXT NOT NULL,
	feature_value_at_time DOUBLE PRECISION NOT NULL,
	applied_delta         DOUBLE PRECISION NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scan_sessions_stage ON scan_sessions(stage, updated_at);
CREATE INDEX IF NOT EXISTS idx_scan_sessions_owner ON scan_sessions(owner_user_id);
CREATE INDEX IF NOT EXISTS idx_progress_events_session ON progress_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_extracted_entities_session ON extracted_entities(session_id, position);
CREATE INDEX IF NOT EXISTS idx_scored_results_session ON scored_results(session_id, composite_score DESC);
CREATE INDEX IF NOT EXISTS idx_weight_update_events_user ON weight_update_events(user_id, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.ScanSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scan_sessions (`+pgSessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.OwnerUserID, string(sess.SourceType), sess.RawPayload, string(sess.Stage),
		sess.ProgressPercent, sess.StatusMessage, sess.ErrorMessage, sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert session")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.ScanSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM scan_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, t model.Transition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin transition")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	at := t.At().UTC()
	tag, err := tx.Exec(ctx, pgAdvanceStage,
		string(t.To()), t.Progress(), t.Message(), t.ErrorMessage(), at,
		t.SessionID(), string(t.From()),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session stage %s", t.SessionID())
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM scan_sessions WHERE id = $1`, t.SessionID()).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("session", t.SessionID())
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: check session %s", t.SessionID())
		}
		return conflict("session", t.SessionID())
	}

	ev := model.EventFor(t)
	if _, err := tx.Exec(ctx, pgInsertEvent,
		uuid.New().String(), ev.SessionID, string(ev.Stage), ev.ProgressPercent, ev.Message, at,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert progress event %s", t.SessionID())
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit transition")
}

func (s *PostgresStore) RecordProgress(ctx context.Context, sessionID string, stage model.Stage, percent int, message string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin progress")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	at = at.UTC()
	tag, err := tx.Exec(ctx, pgRecordProgress, percent, message, at, sessionID, string(stage))
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM scan_sessions WHERE id = $1`, sessionID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("session", sessionID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: check session %s", sessionID)
		}
		return conflict("session", sessionID)
	}

	if _, err := tx.Exec(ctx, pgInsertEvent,
		uuid.New().String(), sessionID, string(stage), percent, message, at,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert progress event %s", sessionID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit progress")
}

func (s *PostgresStore) ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]model.ScanSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSessionColumns+` FROM scan_sessions
		 WHERE stage NOT IN ($1, $2) AND updated_at < $3
		 ORDER BY updated_at`,
		string(model.StageComplete), string(model.StageFailed), updatedBefore.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale sessions")
	}
	defer rows.Close()

	var out []model.ScanSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stale sessions iterate")
}

func (s *PostgresStore) CountSessionsByStage(ctx context.Context, since time.Time) (map[model.Stage]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stage, COUNT(*) FROM scan_sessions WHERE created_at >= $1 GROUP BY stage`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count sessions by stage")
	}
	defer rows.Close()

	counts := make(map[model.Stage]int)
	for rows.Next() {
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage count")
		}
		counts[model.Stage(stage)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count sessions iterate")
}

// --- Progress events ---

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string) ([]model.ProgressEvent, error) {
	rows, err := s.pool.Query(ctx, pgListEvents, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events %s", sessionID)
	}
	defer rows.Close()

	var out []model.ProgressEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) LatestEvent(ctx context.Context, sessionID string) (*model.ProgressEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, pgLatestEvent, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest event %s", sessionID)
	}
	return ev, nil
}

// --- Entities ---

// InsertEntities writes a session's entities with a single COPY.
func (s *PostgresStore) InsertEntities(ctx context.Context, sessionID string, entities []model.ExtractedEntity) error {
	if len(entities) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(entities))
	for i := range entities {
		e := &entities[i]
		stampEntity(e, sessionID, now)
		rows[i] = []any{e.ID, e.SessionID, e.Position, e.RawText, e.Name, e.Email, e.Phone, e.SourceTag, e.CreatedAt}
	}

	_, err := db.CopyFrom(ctx, s.pool, "extracted_entities", entityColumns, rows)
	return eris.Wrapf(err, "postgres: insert entities for session %s", sessionID)
}

func (s *PostgresStore) ListEntities(ctx context.Context, sessionID string) ([]model.ExtractedEntity, error) {
	rows, err := s.pool.Query(ctx, pgListEntities, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list entities %s", sessionID)
	}
	defer rows.Close()

	var out []model.ExtractedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

// --- Results ---

// AppendResult inserts r. Re-sending a result with the same ID is a no-op.
func (s *PostgresStore) AppendResult(ctx context.Context, r *model.ScoredResult) error {
	stampResult(r)
	prospect, features, weights, err := marshalResult(r)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, pgInsertResult,
		r.ID, r.SessionID, prospect, r.CompositeScore, string(r.Bucket), features, weights, r.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert result for session %s", r.SessionID)
}

func (s *PostgresStore) ListResults(ctx context.Context, sessionID string) ([]model.ScoredResult, error) {
	rows, err := s.pool.Query(ctx, pgListResults, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results %s", sessionID)
	}
	defer rows.Close()

	var out []model.ScoredResult
	for rows.Next() {
		var r model.ScoredResult
		var bucket string
		var prospect, features, weights []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &prospect, &r.CompositeScore, &bucket,
			&features, &weights, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r.Bucket = model.Bucket(bucket)
		if err := unmarshalResult(&r, prospect, features, weights); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

// --- Weights ---

func (s *PostgresStore) GetWeights(ctx context.Context, userID string) (*model.UserWeights, error) {
	return getWeightsPostgres(ctx, s.pool, userID)
}

func (s *PostgresStore) InitWeights(ctx context.Context, userID string, w model.WeightVector) (*model.UserWeights, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal weights")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO user_weights (user_id, weights, version, updated_at) VALUES ($1, $2, 1, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, data, time.Now().UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: init weights %s", userID)
	}
	return getWeightsPostgres(ctx, s.pool, userID)
}

func (s *PostgresStore) CompareAndSwapWeights(ctx context.Context, userID string, expectedVersion int64, w model.WeightVector, ev *model.WeightUpdateEvent) (*model.UserWeights, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal weights")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin weights swap")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, pgSwapWeights, data, now, userID, expectedVersion)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: swap weights %s", userID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getWeightsPostgres(ctx, tx, userID); err != nil {
			return nil, err
		}
		return nil, conflict("weights", userID)
	}

	if ev != nil {
		stampWeightEvent(ev, userID, now)
		if _, err := tx.Exec(ctx, pgInsertWeightEvent,
			ev.ID, ev.UserID, string(ev.Feature), string(ev.Outcome), ev.FeatureValueAtTime, ev.AppliedDelta, ev.CreatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert weight event %s", userID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit weights swap")
	}
	return &model.UserWeights{UserID: userID, Weights: w, Version: expectedVersion + 1}, nil
}

func (s *PostgresStore) ListWeightEvents(ctx context.Context, userID string, limit int) ([]model.WeightUpdateEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, feature, outcome, feature_value_at_time, applied_delta, created_at
		 FROM weight_update_events WHERE user_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		userID, eventLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list weight events %s", userID)
	}
	defer rows.Close()

	var out []model.WeightUpdateEvent
	for rows.Next() {
		var ev model.WeightUpdateEvent
		var feature, outcome string
		if err := rows.Scan(&ev.ID, &ev.UserID, &feature, &outcome,
			&ev.FeatureValueAtTime, &ev.AppliedDelta, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan weight event")
		}
		ev.Feature = model.Feature(feature)
		ev.Outcome = model.Outcome(outcome)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list weight events iterate")
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getWeightsPostgres(ctx context.Context, q pgQuerier, userID string) (*model.UserWeights, error) {
	var data []byte
	uw := model.UserWeights{UserID: userID}
	err := q.QueryRow(ctx,
		`SELECT weights, version FROM user_weights WHERE user_id = $1`, userID,
	).Scan(&data, &uw.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("weights", userID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get weights %s", userID)
	}
	if err := json.Unmarshal(data, &uw.Weights); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal weights %s", userID)
	}
	return &uw, nil
}
