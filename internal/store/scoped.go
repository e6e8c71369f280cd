package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// Principal identifies the caller at the store boundary. An empty ID is the
// anonymous principal.
type Principal struct {
	ID      string
	Service bool
}

// ServicePrincipal may read and write every record.
var ServicePrincipal = Principal{ID: "service", Service: true}

// CanSee reports whether p may access records owned by ownerID. Anonymous
// records are visible to every principal holding their id.
func (p Principal) CanSee(ownerID string) bool {
	return p.Service || ownerID == "" || ownerID == p.ID
}

// Scoped returns a Store that enforces p's visibility on every record it
// touches. Records that exist but are not visible fail with
// resilience.ErrForbidden.
func Scoped(st Store, p Principal) Store {
	if p.Service {
		return st
	}
	return &scoped{Store: st, p: p}
}

type scoped struct {
	Store
	p Principal
}

func (s *scoped) forbidden(kind, id string) error {
	return eris.Wrapf(resilience.ErrForbidden, "store: %s %s", kind, id)
}

func (s *scoped) session(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.p.CanSee(sess.OwnerID) {
		return nil, s.forbidden("session", sessionID)
	}
	return sess, nil
}

func (s *scoped) CreateSession(ctx context.Context, sess *model.Session, limit cost.USD) error {
	sess.OwnerID = s.p.ID
	return s.Store.CreateSession(ctx, sess, limit)
}

func (s *scoped) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.session(ctx, sessionID)
}

func (s *scoped) TouchSession(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) error {
	if _, err := s.session(ctx, sessionID); err != nil {
		return err
	}
	return s.Store.TouchSession(ctx, sessionID, now, ttl)
}

func (s *scoped) MarkSessionResult(ctx context.Context, sessionID string) error {
	if _, err := s.session(ctx, sessionID); err != nil {
		return err
	}
	return s.Store.MarkSessionResult(ctx, sessionID)
}

func (s *scoped) FlushSession(ctx context.Context, sessionID string, now time.Time) error {
	if _, err := s.session(ctx, sessionID); err != nil {
		return err
	}
	return s.Store.FlushSession(ctx, sessionID, now)
}

// SweepExpiredSessions is reserved for the service principal.
func (s *scoped) SweepExpiredSessions(context.Context, time.Time) ([]string, error) {
	return nil, eris.Wrap(resilience.ErrForbidden, "store: sweep sessions")
}

func (s *scoped) CreateLedger(ctx context.Context, sessionID string, limit cost.USD) (*model.BudgetLedger, error) {
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.Store.CreateLedger(ctx, sessionID, limit)
}

func (s *scoped) GetLedger(ctx context.Context, sessionID string) (*model.BudgetLedger, error) {
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.Store.GetLedger(ctx, sessionID)
}

func (s *scoped) ReserveAndCommitSpend(ctx context.Context, sessionID string, delta model.SpendDelta) (*model.BudgetLedger, error) {
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.Store.ReserveAndCommitSpend(ctx, sessionID, delta)
}

func (s *scoped) FlagOverBudget(ctx context.Context, sessionID string) error {
	if _, err := s.session(ctx, sessionID); err != nil {
		return err
	}
	return s.Store.FlagOverBudget(ctx, sessionID)
}

func (s *scoped) AppendUsageRecord(ctx context.Context, rec *model.TokenUsageRecord) error {
	if _, err := s.session(ctx, rec.SessionID); err != nil {
		return err
	}
	return s.Store.AppendUsageRecord(ctx, rec)
}

func (s *scoped) ListUsageRecords(ctx context.Context, sessionID string) ([]model.TokenUsageRecord, error) {
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.Store.ListUsageRecords(ctx, sessionID)
}

func (s *scoped) GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	w, err := s.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !s.p.CanSee(w.OwnerID) {
		return nil, s.forbidden("workflow", workflowID)
	}
	return w, nil
}

func (s *scoped) PutWorkflow(ctx context.Context, w *model.WorkflowState) error {
	if !s.p.CanSee(w.OwnerID) {
		return s.forbidden("workflow", w.WorkflowID)
	}
	if _, err := s.session(ctx, w.SessionID); err != nil {
		return err
	}
	return s.Store.PutWorkflow(ctx, w)
}

// ListWorkflows spans every owner, so it is reserved for the service principal.
func (s *scoped) ListWorkflows(context.Context, ...model.WorkflowStatus) ([]*model.WorkflowState, error) {
	return nil, eris.Wrap(resilience.ErrForbidden, "store: list workflows")
}
