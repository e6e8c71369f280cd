package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Plain paths get per-connection busy timeout and foreign key pragmas.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL DEFAULT 'active',
	created_at       DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	expires_at       DATETIME NOT NULL,
	raw_inputs       TEXT,
	vectorized       INTEGER NOT NULL DEFAULT 0,
	has_result       INTEGER NOT NULL DEFAULT 0,
	budget_exceeded  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS budget_ledgers (
	session_id       TEXT PRIMARY KEY REFERENCES sessions(id),
	total_spent      INTEGER NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
	limit_units      INTEGER NOT NULL,
	operations_count INTEGER NOT NULL DEFAULT 0,
	flagged          INTEGER NOT NULL DEFAULT 0,
	embedding_units  INTEGER NOT NULL DEFAULT 0,
	generation_units INTEGER NOT NULL DEFAULT 0,
	search_units     INTEGER NOT NULL DEFAULT 0,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS token_usage (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	request_id    TEXT NOT NULL,
	workflow_id   TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	operation     TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_units    INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workflows (
	workflow_id TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	owner_id    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state_expires ON sessions(state, expires_at);
CREATE INDEX IF NOT EXISTS idx_token_usage_session ON token_usage(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflows(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session, limit cost.USD) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, owner_id, state, created_at, last_activity_at, expires_at, raw_inputs, vectorized, has_result, budget_exceeded)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.OwnerID, string(sess.State), sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), sess.ExpiresAt.UTC(),
			nullableJSON(sess.RawInputs), sess.Vectorized, sess.HasResult, sess.BudgetExceeded,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert session %s", sess.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO budget_ledgers (session_id, limit_units, updated_at) VALUES (?, ?, ?)`,
			sess.ID, int64(limit), sess.CreatedAt.UTC(),
		)
		return eris.Wrapf(err, "sqlite: insert ledger %s", sess.ID)
	})
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, state, created_at, last_activity_at, expires_at, raw_inputs, vectorized, has_result, budget_exceeded
		 FROM sessions WHERE id = ?`, sessionID)

	var (
		sess model.Session
		raw  sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.State, &sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt,
		&raw, &sess.Vectorized, &sess.HasResult, &sess.BudgetExceeded)
	if isNoRows(err) {
		return nil, notFound("session", sessionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", sessionID)
	}
	if raw.Valid {
		sess.RawInputs = json.RawMessage(raw.String)
	}
	return &sess, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, expires_at = ? WHERE id = ? AND state = 'active'`,
		now, now.Add(ttl), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch session %s", sessionID)
	}
	return checkRowsAffected(res, "active session", sessionID)
}

func (s *SQLiteStore) MarkSessionResult(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET has_result = 1 WHERE id = ?`, sessionID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark session result %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) FlushSession(ctx context.Context, sessionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = 'flushed', raw_inputs = NULL, last_activity_at = ? WHERE id = ?`,
		now.UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: flush session %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) SweepExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE sessions SET state = 'expired' WHERE state = 'active' AND expires_at <= ? RETURNING id`, now.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sweep sessions")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan swept session")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate swept sessions")
}

func (s *SQLiteStore) CreateLedger(ctx context.Context, sessionID string, limit cost.USD) (*model.BudgetLedger, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_ledgers (session_id, limit_units, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, int64(limit), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create ledger %s", sessionID)
	}
	return s.GetLedger(ctx, sessionID)
}

const sqliteLedgerColumns = `session_id, total_spent, limit_units, operations_count, flagged, embedding_units, generation_units, search_units, updated_at`

func (s *SQLiteStore) GetLedger(ctx context.Context, sessionID string) (*model.BudgetLedger, error) {
	return scanLedger(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteLedgerColumns+` FROM budget_ledgers WHERE session_id = ?`, sessionID), sessionID)
}

func (s *SQLiteStore) ReserveAndCommitSpend(ctx context.Context, sessionID string, delta model.SpendDelta) (*model.BudgetLedger, error) {
	if delta.Amount < 0 {
		return nil, resilience.NewValidationError("amount", "must not be negative")
	}
	col := bucketColumn(delta.Operation)

	var ledger *model.BudgetLedger
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE budget_ledgers SET total_spent = total_spent + ?, operations_count = operations_count + 1, `+
				col+` = `+col+` + ?, updated_at = ? WHERE session_id = ?`,
			int64(delta.Amount), int64(delta.Amount), time.Now().UTC(), sessionID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: commit spend %s", sessionID)
		}
		if err := checkRowsAffected(res, "ledger", sessionID); err != nil {
			return err
		}
		ledger, err = scanLedger(tx.QueryRowContext(ctx,
			`SELECT `+sqliteLedgerColumns+` FROM budget_ledgers WHERE session_id = ?`, sessionID), sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func (s *SQLiteStore) FlagOverBudget(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE budget_ledgers SET flagged = 1, updated_at = ? WHERE session_id = ?`,
			time.Now().UTC(), sessionID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: flag ledger %s", sessionID)
		}
		if err := checkRowsAffected(res, "ledger", sessionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET budget_exceeded = 1 WHERE id = ?`, sessionID)
		return eris.Wrapf(err, "sqlite: flag session %s", sessionID)
	})
}

func (s *SQLiteStore) AppendUsageRecord(ctx context.Context, rec *model.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, session_id, request_id, workflow_id, provider, model, operation, input_tokens, output_tokens, cost_units, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.RequestID, rec.WorkflowID, rec.Provider, rec.Model, string(rec.Operation),
		rec.InputTokens, rec.OutputTokens, int64(rec.Cost), rec.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append usage %s", rec.ID)
}

func (s *SQLiteStore) ListUsageRecords(ctx context.Context, sessionID string) ([]model.TokenUsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, workflow_id, provider, model, operation, input_tokens, output_tokens, cost_units, created_at
		 FROM token_usage WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list usage %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TokenUsageRecord
	for rows.Next() {
		var (
			r     model.TokenUsageRecord
			units int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RequestID, &r.WorkflowID, &r.Provider, &r.Model, &r.Operation,
			&r.InputTokens, &r.OutputTokens, &units, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage")
		}
		r.Cost = cost.USD(units)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate usage")
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM workflows WHERE workflow_id = ?`, workflowID).Scan(&state)
	if isNoRows(err) {
		return nil, notFound("workflow", workflowID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get workflow %s", workflowID)
	}
	return decodeWorkflow([]byte(state), workflowID)
}

// PutWorkflow upserts w. Terminal rows are never overwritten, and a write
// carrying less progress than the stored row is rejected as stale.
func (s *SQLiteStore) PutWorkflow(ctx context.Context, w *model.WorkflowState) error {
	state, err := json.Marshal(w)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal workflow")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, session_id, owner_id, status, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_id) DO UPDATE SET status = excluded.status, state = excluded.state, updated_at = excluded.updated_at
		 WHERE workflows.status NOT IN ('complete', 'error')
		   AND json_extract(workflows.state, '$.progressPercent') <= ?`,
		w.WorkflowID, w.SessionID, w.OwnerID, string(w.Status), string(state), w.CreatedAt.UTC(), w.UpdatedAt.UTC(), w.Progress,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put workflow %s", w.WorkflowID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: put workflow rows affected")
	}
	if n == 0 {
		var status string
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM workflows WHERE workflow_id = ?`, w.WorkflowID).Scan(&status); err != nil {
			return eris.Wrapf(err, "sqlite: put workflow %s", w.WorkflowID)
		}
		return eris.Wrapf(rejectedWrite(status), "sqlite: put workflow %s", w.WorkflowID)
	}
	return nil
}

// ListWorkflows returns workflows in any of statuses, oldest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.WorkflowState, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
		marks[i] = "?"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, state FROM workflows WHERE status IN (`+strings.Join(marks, ", ")+`) ORDER BY created_at, workflow_id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list workflows")
	}
	defer rows.Close() //nolint:errcheck

	var out []*model.WorkflowState
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan workflow")
		}
		w, err := decodeWorkflow([]byte(state), id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate workflows")
}
