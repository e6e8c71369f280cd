package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/resilience"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// checkRowsAffected returns a not-found error when no row was updated.
func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLedger(row scannable, sessionID string) (*model.BudgetLedger, error) {
	var (
		l                          model.BudgetLedger
		spent, limit, emb, gen, se int64
	)
	err := row.Scan(&l.SessionID, &spent, &limit, &l.OperationsCount, &l.Flagged, &emb, &gen, &se, &l.UpdatedAt)
	if isNoRows(err) {
		return nil, notFound("ledger", sessionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: scan ledger %s", sessionID)
	}
	l.TotalSpent = cost.USD(spent)
	l.Limit = cost.USD(limit)
	l.Breakdown = model.Breakdown{Embedding: cost.USD(emb), Generation: cost.USD(gen), Search: cost.USD(se)}
	return &l, nil
}

func bucketColumn(op model.Operation) string {
	switch op.Bucket() {
	case model.OpEmbedding:
		return "embedding_units"
	case model.OpSearch:
		return "search_units"
	default:
		return "generation_units"
	}
}

func decodeWorkflow(state []byte, workflowID string) (*model.WorkflowState, error) {
	var w model.WorkflowState
	if err := json.Unmarshal(state, &w); err != nil {
		return nil, eris.Wrapf(err, "store: decode workflow %s", workflowID)
	}
	if w.StageOutputs == nil {
		w.StageOutputs = make(map[model.Stage]*model.StageOutput)
	}
	return &w, nil
}

// rejectedWrite explains why an upsert of a workflow in status changed no row.
func rejectedWrite(status string) error {
	if model.WorkflowStatus(status).Terminal() {
		return resilience.ErrWorkflowImmutable
	}
	return resilience.ErrWorkflowStale
}

func notFound(entity, id string) error {
	return eris.Wrapf(resilience.ErrNotFound, "store: %s %s", entity, id)
}

func nullableJSON(raw json.RawMessage) any {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return string(raw)
}
