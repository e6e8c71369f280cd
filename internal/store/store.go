// Package store persists sessions, budget ledgers, usage records and
// workflow state behind a narrow interface with SQLite and Postgres
// implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
)

// Store defines the persisted-state interface consumed by the pipeline.
// Missing records return an error matching resilience.ErrNotFound.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.Session, limit cost.USD) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	TouchSession(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) error
	MarkSessionResult(ctx context.Context, sessionID string) error
	FlushSession(ctx context.Context, sessionID string, now time.Time) error
	// SweepExpiredSessions expires idle sessions and returns their ids.
	SweepExpiredSessions(ctx context.Context, now time.Time) ([]string, error)

	// Budget ledger
	CreateLedger(ctx context.Context, sessionID string, limit cost.USD) (*model.BudgetLedger, error)
	GetLedger(ctx context.Context, sessionID string) (*model.BudgetLedger, error)
	ReserveAndCommitSpend(ctx context.Context, sessionID string, delta model.SpendDelta) (*model.BudgetLedger, error)
	FlagOverBudget(ctx context.Context, sessionID string) error

	// Usage audit
	AppendUsageRecord(ctx context.Context, rec *model.TokenUsageRecord) error
	ListUsageRecords(ctx context.Context, sessionID string) ([]model.TokenUsageRecord, error)

	// Workflows
	GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowState, error)
	PutWorkflow(ctx context.Context, w *model.WorkflowState) error
	ListWorkflows(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.WorkflowState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
