package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/store"
)

// UsageReport is a session's ledger next to the breakdown rebuilt from its
// usage log.
type UsageReport struct {
	SessionID string                   `json:"sessionId"`
	Ledger    *model.BudgetLedger      `json:"ledger"`
	Rebuilt   model.Breakdown          `json:"rebuiltBreakdown"`
	Records   []model.TokenUsageRecord `json:"records"`
	// Consistent is false when the ledger's breakdown and the usage log
	// disagree.
	Consistent bool `json:"consistent"`
}

// Usage audits a session's spend against its usage records.
func (o *Orchestrator) Usage(ctx context.Context, p store.Principal, sessionID string) (*UsageReport, error) {
	st := store.Scoped(o.st, p)
	ledger, err := st.GetLedger(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: usage %s", sessionID)
	}
	recs, err := st.ListUsageRecords(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: usage %s", sessionID)
	}
	if recs == nil {
		recs = []model.TokenUsageRecord{}
	}
	rebuilt := model.RebuildBreakdown(recs)
	return &UsageReport{
		SessionID:  sessionID,
		Ledger:     ledger,
		Rebuilt:    rebuilt,
		Records:    recs,
		Consistent: rebuilt == ledger.Breakdown && rebuilt.Total() == ledger.TotalSpent,
	}, nil
}

// FlushSession ends a session on explicit cleanup, dropping its raw inputs.
// The ledger and usage log are kept for audit.
func (o *Orchestrator) FlushSession(ctx context.Context, p store.Principal, sessionID string) error {
	if err := store.Scoped(o.st, p).FlushSession(ctx, sessionID, o.now()); err != nil {
		return eris.Wrapf(err, "workflow: flush %s", sessionID)
	}
	o.forget(sessionID)
	zap.L().Info("workflow: session flushed", zap.String("session_id", sessionID))
	return nil
}

// SweepExpiredSessions expires idle sessions and drops the guard's state for
// them. It returns how many sessions expired.
func (o *Orchestrator) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	ids, err := o.st.SweepExpiredSessions(ctx, now)
	if err != nil {
		return 0, eris.Wrap(err, "workflow: sweep sessions")
	}
	for _, id := range ids {
		o.forget(id)
	}
	return len(ids), nil
}

func (o *Orchestrator) forget(sessionID string) {
	if o.guard != nil {
		o.guard.Forget(sessionID)
	}
}
