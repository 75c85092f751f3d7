package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/scout-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withTimeFormat(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer. One connection queues writers in the pool
	// instead of surfacing SQLITE_BUSY under the scoring worker pool.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scan_sessions (
	id               TEXT PRIMARY KEY,
	owner_user_id    TEXT NOT NULL,
	source_type      TEXT NOT NULL,
	raw_payload      TEXT NOT NULL,
	stage            TEXT NOT NULL DEFAULT 'idle',
	progress_percent INTEGER NOT NULL DEFAULT 0,
	status_message   TEXT NOT NULL DEFAULT '',
	error_message    TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS progress_events (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES scan_sessions(id),
	stage            TEXT NOT NULL,
	progress_percent INTEGER NOT NULL,
	message          TEXT NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extracted_entities (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES scan_sessions(id),
	position   INTEGER NOT NULL,
	raw_text   TEXT NOT NULL,
	name       TEXT,
	email      TEXT,
	phone      TEXT,
	source_tag TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS scored_results (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES scan_sessions(id),
	prospect         TEXT NOT NULL,
	composite_score  INTEGER NOT NULL,
	bucket           TEXT NOT NULL,
	feature_vector   TEXT NOT NULL,
	weight_vector    TEXT NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS user_weights (
	user_id    TEXT PRIMARY KEY,
	weights    TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS weight_update_events (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	feature               TEXT NOT NULL,
	outcome               TEXT NOT NULL,
	feature_value_at_time REAL NOT NULL,
	applied_delta         REAL NOT NULL,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_scan_sessions_stage ON scan_sessions(stage, updated_at);
CREATE INDEX IF NOT EXISTS idx_scan_sessions_owner ON scan_sessions(owner_user_id);
CREATE INDEX IF NOT EXISTS idx_progress_events_session ON progress_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_extracted_entities_session ON extracted_entities(session_id, position);
CREATE INDEX IF NOT EXISTS idx_scored_results_session ON scored_results(session_id, composite_score);
CREATE INDEX IF NOT EXISTS idx_weight_update_events_user ON weight_update_events(user_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.ScanSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_sessions (id, owner_user_id, source_type, raw_payload, stage, progress_percent, status_message, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerUserID, string(sess.SourceType), sess.RawPayload, string(sess.Stage),
		sess.ProgressPercent, sess.StatusMessage, sess.ErrorMessage, sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert session")
}

const sqliteSessionColumns = `id, owner_user_id, source_type, raw_payload, stage, progress_percent, status_message, error_message, created_at, updated_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.ScanSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM scan_sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) ApplyTransition(ctx context.Context, t model.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	at := t.At().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE scan_sessions
		 SET stage = ?, progress_percent = ?, status_message = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND stage = ?`,
		string(t.To()), t.Progress(), t.Message(), t.ErrorMessage(), at,
		t.SessionID(), string(t.From()),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session stage %s", t.SessionID())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM scan_sessions WHERE id = ?`, t.SessionID()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("session", t.SessionID())
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: check session %s", t.SessionID())
		}
		return conflict("session", t.SessionID())
	}

	ev := model.EventFor(t)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO progress_events (id, session_id, stage, progress_percent, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ev.SessionID, string(ev.Stage), ev.ProgressPercent, ev.Message, at,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert progress event %s", t.SessionID())
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit transition")
}

func (s *SQLiteStore) RecordProgress(ctx context.Context, sessionID string, stage model.Stage, percent int, message string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin progress")
	}
	defer tx.Rollback() //nolint:errcheck

	at = at.UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE scan_sessions SET progress_percent = ?, status_message = ?, updated_at = ?
		 WHERE id = ? AND stage = ? AND progress_percent <= ?`,
		percent, message, at, sessionID, string(stage), percent,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM scan_sessions WHERE id = ?`, sessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("session", sessionID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: check session %s", sessionID)
		}
		return conflict("session", sessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO progress_events (id, session_id, stage, progress_percent, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, string(stage), percent, message, at,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert progress event %s", sessionID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit progress")
}

func (s *SQLiteStore) ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]model.ScanSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM scan_sessions
		 WHERE stage NOT IN (?, ?) AND updated_at < ?
		 ORDER BY updated_at`,
		string(model.StageComplete), string(model.StageFailed), updatedBefore.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale sessions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScanSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stale sessions iterate")
}

func (s *SQLiteStore) CountSessionsByStage(ctx context.Context, since time.Time) (map[model.Stage]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM scan_sessions WHERE created_at >= ? GROUP BY stage`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count sessions by stage")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage count")
		}
		counts[model.Stage(stage)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count sessions iterate")
}

// --- Progress events ---

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]model.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, stage, progress_percent, message, created_at
		 FROM progress_events WHERE session_id = ? ORDER BY created_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProgressEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) LatestEvent(ctx context.Context, sessionID string) (*model.ProgressEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, stage, progress_percent, message, created_at
		 FROM progress_events WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest event %s", sessionID)
	}
	return ev, nil
}

// --- Entities ---

func (s *SQLiteStore) InsertEntities(ctx context.Context, sessionID string, entities []model.ExtractedEntity) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert entities")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO extracted_entities (id, session_id, position, raw_text, name, email, phone, source_tag, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert entity")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for i := range entities {
		e := &entities[i]
		stampEntity(e, sessionID, now)
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.SessionID, e.Position, e.RawText, e.Name, e.Email, e.Phone, e.SourceTag, e.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert entity %d for session %s", e.Position, sessionID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit entities")
}

func (s *SQLiteStore) ListEntities(ctx context.Context, sessionID string) ([]model.ExtractedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, position, raw_text, name, email, phone, source_tag, created_at
		 FROM extracted_entities WHERE session_id = ? ORDER BY position`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list entities %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExtractedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

// --- Results ---

// AppendResult inserts r. Re-sending a result with the same ID is a no-op.
func (s *SQLiteStore) AppendResult(ctx context.Context, r *model.ScoredResult) error {
	stampResult(r)
	prospect, features, weights, err := marshalResult(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scored_results (id, session_id, prospect, composite_score, bucket, feature_vector, weight_vector, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.SessionID, string(prospect), r.CompositeScore, string(r.Bucket),
		string(features), string(weights), r.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert result for session %s", r.SessionID)
}

func (s *SQLiteStore) ListResults(ctx context.Context, sessionID string) ([]model.ScoredResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, prospect, composite_score, bucket, feature_vector, weight_vector, created_at
		 FROM scored_results WHERE session_id = ? ORDER BY composite_score DESC, created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScoredResult
	for rows.Next() {
		var r model.ScoredResult
		var bucket, prospect, features, weights string
		if err := rows.Scan(&r.ID, &r.SessionID, &prospect, &r.CompositeScore, &bucket,
			&features, &weights, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r.Bucket = model.Bucket(bucket)
		if err := unmarshalResult(&r, []byte(prospect), []byte(features), []byte(weights)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

// --- Weights ---

func (s *SQLiteStore) GetWeights(ctx context.Context, userID string) (*model.UserWeights, error) {
	return getWeightsSQLite(ctx, s.db, userID)
}

func (s *SQLiteStore) InitWeights(ctx context.Context, userID string, w model.WeightVector) (*model.UserWeights, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal weights")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_weights (user_id, weights, version, updated_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, string(data), time.Now().UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: init weights %s", userID)
	}
	return getWeightsSQLite(ctx, s.db, userID)
}

func (s *SQLiteStore) CompareAndSwapWeights(ctx context.Context, userID string, expectedVersion int64, w model.WeightVector, ev *model.WeightUpdateEvent) (*model.UserWeights, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal weights")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin weights swap")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE user_weights SET weights = ?, version = version + 1, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		string(data), now, userID, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: swap weights %s", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := getWeightsSQLite(ctx, tx, userID); err != nil {
			return nil, err
		}
		return nil, conflict("weights", userID)
	}

	if ev != nil {
		stampWeightEvent(ev, userID, now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO weight_update_events (id, user_id, feature, outcome, feature_value_at_time, applied_delta, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.UserID, string(ev.Feature), string(ev.Outcome), ev.FeatureValueAtTime, ev.AppliedDelta, ev.CreatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert weight event %s", userID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit weights swap")
	}
	return &model.UserWeights{UserID: userID, Weights: w, Version: expectedVersion + 1}, nil
}

func (s *SQLiteStore) ListWeightEvents(ctx context.Context, userID string, limit int) ([]model.WeightUpdateEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, feature, outcome, feature_value_at_time, applied_delta, created_at
		 FROM weight_update_events WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, eventLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list weight events %s", userID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.WeightUpdateEvent
	for rows.Next() {
		var ev model.WeightUpdateEvent
		var feature, outcome string
		if err := rows.Scan(&ev.ID, &ev.UserID, &feature, &outcome,
			&ev.FeatureValueAtTime, &ev.AppliedDelta, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan weight event")
		}
		ev.Feature = model.Feature(feature)
		ev.Outcome = model.Outcome(outcome)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list weight events iterate")
}

// helpers

// withTimeFormat makes the driver write timestamps in SQLite's sortable
// text format so range predicates on DATETIME columns compare correctly.
func withTimeFormat(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getWeightsSQLite(ctx context.Context, q sqliteQuerier, userID string) (*model.UserWeights, error) {
	var data string
	uw := model.UserWeights{UserID: userID}
	err := q.QueryRowContext(ctx,
		`SELECT weights, version FROM user_weights WHERE user_id = ?`, userID,
	).Scan(&data, &uw.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("weights", userID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get weights %s", userID)
	}
	if err := json.Unmarshal([]byte(data), &uw.Weights); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal weights %s", userID)
	}
	return &uw, nil
}

func scanSession(row scannable) (*model.ScanSession, error) {
	var sess model.ScanSession
	var source, stage string
	err := row.Scan(&sess.ID, &sess.OwnerUserID, &source, &sess.RawPayload, &stage,
		&sess.ProgressPercent, &sess.StatusMessage, &sess.ErrorMessage, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.SourceType = model.SourceType(source)
	st, err := model.ParseStage(stage)
	if err != nil {
		return nil, err
	}
	sess.Stage = st
	return &sess, nil
}

func scanEvent(row scannable) (*model.ProgressEvent, error) {
	var ev model.ProgressEvent
	var stage string
	if err := row.Scan(&ev.ID, &ev.SessionID, &stage, &ev.ProgressPercent, &ev.Message, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Stage = model.Stage(stage)
	return &ev, nil
}

func scanEntity(row scannable) (*model.ExtractedEntity, error) {
	var e model.ExtractedEntity
	if err := row.Scan(&e.ID, &e.SessionID, &e.Position, &e.RawText, &e.Name, &e.Email, &e.Phone,
		&e.SourceTag, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
