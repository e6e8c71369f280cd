package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/db"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgresWithPool(pool), nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL DEFAULT 'active',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at       TIMESTAMPTZ NOT NULL,
	raw_inputs       JSONB,
	vectorized       BOOLEAN NOT NULL DEFAULT false,
	has_result       BOOLEAN NOT NULL DEFAULT false,
	budget_exceeded  BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS budget_ledgers (
	session_id       TEXT PRIMARY KEY REFERENCES sessions(id),
	total_spent      BIGINT NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
	limit_units      BIGINT NOT NULL,
	operations_count BIGINT NOT NULL DEFAULT 0,
	flagged          BOOLEAN NOT NULL DEFAULT false,
	embedding_units  BIGINT NOT NULL DEFAULT 0,
	generation_units BIGINT NOT NULL DEFAULT 0,
	search_units     BIGINT NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS token_usage (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	request_id    TEXT NOT NULL,
	workflow_id   TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	operation     TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_units    BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflows (
	workflow_id TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	owner_id    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	state       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_state_expires ON sessions(state, expires_at);
CREATE INDEX IF NOT EXISTS idx_token_usage_session ON token_usage(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflows(session_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgSessionColumns = `id, owner_id, state, created_at, last_activity_at, expires_at, raw_inputs, vectorized, has_result, budget_exceeded`

const pgLedgerColumns = `session_id, total_spent, limit_units, operations_count, flagged, embedding_units, generation_units, search_units, updated_at`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session, limit cost.USD) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO sessions (`+pgSessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sess.ID, sess.OwnerID, string(sess.State), sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), sess.ExpiresAt.UTC(),
			nullableJSONBytes(sess.RawInputs), sess.Vectorized, sess.HasResult, sess.BudgetExceeded,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert session %s", sess.ID)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO budget_ledgers (session_id, limit_units, updated_at) VALUES ($1, $2, $3)`,
			sess.ID, int64(limit), sess.CreatedAt.UTC(),
		)
		return eris.Wrapf(err, "postgres: insert ledger %s", sess.ID)
	})
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var (
		sess  model.Session
		state string
		raw   []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, sessionID).
		Scan(&sess.ID, &sess.OwnerID, &state, &sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt,
			&raw, &sess.Vectorized, &sess.HasResult, &sess.BudgetExceeded)
	if isNoRows(err) {
		return nil, notFound("session", sessionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", sessionID)
	}
	sess.State = model.SessionState(state)
	if len(raw) > 0 {
		sess.RawInputs = json.RawMessage(raw)
	}
	return &sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $1, expires_at = $2 WHERE id = $3 AND state = 'active'`,
		now, now.Add(ttl), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch session %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("active session", sessionID)
	}
	return nil
}

func (s *PostgresStore) MarkSessionResult(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET has_result = true WHERE id = $1`, sessionID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark session result %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("session", sessionID)
	}
	return nil
}

func (s *PostgresStore) FlushSession(ctx context.Context, sessionID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET state = 'flushed', raw_inputs = NULL, last_activity_at = $1 WHERE id = $2`,
		now.UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: flush session %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("session", sessionID)
	}
	return nil
}

func (s *PostgresStore) SweepExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE sessions SET state = 'expired' WHERE state = 'active' AND expires_at <= $1 RETURNING id`, now.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sweep sessions")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, eris.Wrap(err, "postgres: collect swept sessions")
}

func (s *PostgresStore) CreateLedger(ctx context.Context, sessionID string, limit cost.USD) (*model.BudgetLedger, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_ledgers (session_id, limit_units, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, int64(limit), s.now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create ledger %s", sessionID)
	}
	return s.GetLedger(ctx, sessionID)
}

func (s *PostgresStore) GetLedger(ctx context.Context, sessionID string) (*model.BudgetLedger, error) {
	return scanLedger(s.pool.QueryRow(ctx,
		`SELECT `+pgLedgerColumns+` FROM budget_ledgers WHERE session_id = $1`, sessionID), sessionID)
}

// ReserveAndCommitSpend increments the ledger in a single statement; the
// row lock taken by UPDATE serializes concurrent commits for one session.
func (s *PostgresStore) ReserveAndCommitSpend(ctx context.Context, sessionID string, delta model.SpendDelta) (*model.BudgetLedger, error) {
	if delta.Amount < 0 {
		return nil, resilience.NewValidationError("amount", "must not be negative")
	}
	col := bucketColumn(delta.Operation)
	return scanLedger(s.pool.QueryRow(ctx,
		`UPDATE budget_ledgers SET total_spent = total_spent + $1, operations_count = operations_count + 1, `+
			col+` = `+col+` + $1, updated_at = $2 WHERE session_id = $3 RETURNING `+pgLedgerColumns,
		int64(delta.Amount), s.now().UTC(), sessionID,
	), sessionID)
}

func (s *PostgresStore) FlagOverBudget(ctx context.Context, sessionID string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE budget_ledgers SET flagged = true, updated_at = $1 WHERE session_id = $2`,
			s.now().UTC(), sessionID)
		if err != nil {
			return eris.Wrapf(err, "postgres: flag ledger %s", sessionID)
		}
		if tag.RowsAffected() == 0 {
			return notFound("ledger", sessionID)
		}
		_, err = tx.Exec(ctx, `UPDATE sessions SET budget_exceeded = true WHERE id = $1`, sessionID)
		return eris.Wrapf(err, "postgres: flag session %s", sessionID)
	})
}

func (s *PostgresStore) AppendUsageRecord(ctx context.Context, rec *model.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_usage (id, session_id, request_id, workflow_id, provider, model, operation, input_tokens, output_tokens, cost_units, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SessionID, rec.RequestID, rec.WorkflowID, rec.Provider, rec.Model, string(rec.Operation),
		rec.InputTokens, rec.OutputTokens, int64(rec.Cost), rec.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: append usage %s", rec.ID)
}

func (s *PostgresStore) ListUsageRecords(ctx context.Context, sessionID string) ([]model.TokenUsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, request_id, workflow_id, provider, model, operation, input_tokens, output_tokens, cost_units, created_at
		 FROM token_usage WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list usage %s", sessionID)
	}
	defer rows.Close()

	var out []model.TokenUsageRecord
	for rows.Next() {
		var (
			r     model.TokenUsageRecord
			op    string
			units int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RequestID, &r.WorkflowID, &r.Provider, &r.Model, &op,
			&r.InputTokens, &r.OutputTokens, &units, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage")
		}
		r.Operation = model.Operation(op)
		r.Cost = cost.USD(units)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate usage")
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM workflows WHERE workflow_id = $1`, workflowID).Scan(&state)
	if isNoRows(err) {
		return nil, notFound("workflow", workflowID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get workflow %s", workflowID)
	}
	return decodeWorkflow(state, workflowID)
}

// PutWorkflow upserts w. Terminal rows are never overwritten, and a write
// carrying less progress than the stored row is rejected as stale.
func (s *PostgresStore) PutWorkflow(ctx context.Context, w *model.WorkflowState) error {
	state, err := json.Marshal(w)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal workflow")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (workflow_id, session_id, owner_id, status, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workflow_id) DO UPDATE SET status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
		 WHERE workflows.status NOT IN ('complete', 'error')
		   AND (workflows.state->>'progressPercent')::int <= $8`,
		w.WorkflowID, w.SessionID, w.OwnerID, string(w.Status), state, w.CreatedAt.UTC(), w.UpdatedAt.UTC(), w.Progress,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: put workflow %s", w.WorkflowID)
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := s.pool.QueryRow(ctx, `SELECT status FROM workflows WHERE workflow_id = $1`, w.WorkflowID).Scan(&status); err != nil {
			return eris.Wrapf(err, "postgres: put workflow %s", w.WorkflowID)
		}
		return eris.Wrapf(rejectedWrite(status), "postgres: put workflow %s", w.WorkflowID)
	}
	return nil
}

// ListWorkflows returns workflows in any of statuses, oldest first.
func (s *PostgresStore) ListWorkflows(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.WorkflowState, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, state FROM workflows WHERE status = ANY($1) ORDER BY created_at, workflow_id`, names)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list workflows")
	}
	defer rows.Close()

	var out []*model.WorkflowState
	for rows.Next() {
		var (
			id    string
			state []byte
		)
		if err := rows.Scan(&id, &state); err != nil {
			return nil, eris.Wrap(err, "postgres: scan workflow")
		}
		w, err := decodeWorkflow(state, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate workflows")
}

func nullableJSONBytes(raw json.RawMessage) any {
	if v := nullableJSON(raw); v != nil {
		return []byte(raw)
	}
	return nil
}
