// Package budget enforces per-session spend limits with a reserve-then-commit
// protocol over the persisted ledger.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/internal/store"
)

// Config controls the guard's policy.
type Config struct {
	// DefaultLimit is the cap given to new ledgers.
	DefaultLimit cost.USD
	// Sticky keeps a session flagged after its first denial; flagged sessions
	// may only run zero-cost work.
	Sticky bool
}

// DefaultConfig returns a $5.00 sticky policy.
func DefaultConfig() Config {
	return Config{DefaultLimit: cost.FromFloat(5), Sticky: true}
}

// Reservation is an approved, not yet committed spend.
type Reservation struct {
	ID        string
	SessionID string
	Estimate  cost.USD

	once sync.Once
}

// Guard approves spend before provider calls and records actual cost after.
// Reserve and Commit are serialized per session.
type Guard struct {
	st    store.Store
	cfg   Config
	locks *keyedMutex
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]cost.USD
}

// NewGuard creates a Guard over st.
func NewGuard(st store.Store, cfg Config) *Guard {
	return &Guard{
		st:      st,
		cfg:     cfg,
		locks:   newKeyedMutex(),
		now:     time.Now,
		pending: make(map[string]cost.USD),
	}
}

// Limit is the cap applied to new sessions.
func (g *Guard) Limit() cost.USD {
	return g.cfg.DefaultLimit
}

// Reserve approves estimate for sessionID or fails with a
// *resilience.BudgetExceededError. Denials persist the over-budget flag.
func (g *Guard) Reserve(ctx context.Context, sessionID string, estimate cost.USD) (*Reservation, error) {
	if estimate < 0 {
		return nil, resilience.NewValidationError("estimate", "must not be negative")
	}
	unlock := g.locks.Lock(sessionID)
	defer unlock()

	ledger, err := g.st.GetLedger(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "budget: reserve %s", sessionID)
	}

	approve := func() *Reservation {
		g.mu.Lock()
		g.pending[sessionID] += estimate
		g.mu.Unlock()
		return &Reservation{ID: uuid.New().String(), SessionID: sessionID, Estimate: estimate}
	}

	if estimate == 0 {
		return approve(), nil
	}
	if g.cfg.Sticky && ledger.IsOverBudget() {
		return nil, g.deny(ctx, ledger, estimate, "session is flagged over budget")
	}

	pending := g.pendingFor(sessionID)
	if ledger.TotalSpent+pending+estimate > ledger.Limit {
		remaining := max(ledger.Limit-ledger.TotalSpent-pending, 0)
		return nil, g.deny(ctx, ledger, estimate, fmt.Sprintf("estimate %s exceeds remaining %s", estimate, remaining))
	}
	return approve(), nil
}

func (g *Guard) deny(ctx context.Context, ledger *model.BudgetLedger, estimate cost.USD, reason string) error {
	zap.L().Info("budget: reservation denied",
		zap.String("session_id", ledger.SessionID),
		zap.Stringer("estimate", estimate),
		zap.Stringer("spent", ledger.TotalSpent),
		zap.Stringer("limit", ledger.Limit),
		zap.String("reason", reason),
	)
	if g.cfg.Sticky && !ledger.Flagged {
		if err := g.st.FlagOverBudget(ctx, ledger.SessionID); err != nil {
			return eris.Wrapf(err, "budget: flag %s", ledger.SessionID)
		}
	}
	return &resilience.BudgetExceededError{SessionID: ledger.SessionID, Reason: reason}
}

func (g *Guard) pendingFor(sessionID string) cost.USD {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[sessionID]
}

func (g *Guard) settle(res *Reservation) bool {
	settled := false
	res.once.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		left := g.pending[res.SessionID] - res.Estimate
		if left <= 0 {
			delete(g.pending, res.SessionID)
		} else {
			g.pending[res.SessionID] = left
		}
		settled = true
	})
	return settled
}

// Commit records the actual cost of a reserved call. The ledger reflects
// actual, not the estimate. rec is appended to the usage log with its cost
// set to actual.
func (g *Guard) Commit(ctx context.Context, res *Reservation, actual cost.USD, rec model.TokenUsageRecord) (*model.BudgetLedger, error) {
	rec.Cost = actual
	return g.CommitUsage(ctx, res, []model.TokenUsageRecord{rec})
}

// CommitUsage settles a reservation against every billed call it covered,
// including calls that failed after the backend charged for them. Each
// record's Cost is added to the ledger and the record is appended to the
// usage log. With no records the reservation is settled at zero.
func (g *Guard) CommitUsage(ctx context.Context, res *Reservation, recs []model.TokenUsageRecord) (*model.BudgetLedger, error) {
	for _, rec := range recs {
		if rec.Cost < 0 {
			return nil, resilience.NewValidationError("actual", "must not be negative")
		}
	}
	unlock := g.locks.Lock(res.SessionID)
	defer unlock()

	if !g.settle(res) {
		return nil, eris.Errorf("budget: reservation %s already settled", res.ID)
	}
	if len(recs) == 0 {
		return g.st.GetLedger(ctx, res.SessionID)
	}

	var ledger *model.BudgetLedger
	for _, rec := range recs {
		op := rec.Operation
		if op == "" {
			op = model.OpGeneration
		}
		var err error
		ledger, err = g.st.ReserveAndCommitSpend(ctx, res.SessionID, model.SpendDelta{Amount: rec.Cost, Operation: op})
		if err != nil {
			return nil, eris.Wrapf(err, "budget: commit %s", res.SessionID)
		}

		rec.SessionID = res.SessionID
		rec.Operation = op
		if rec.RequestID == "" {
			rec.RequestID = res.ID
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = g.now().UTC()
		}
		if err := g.st.AppendUsageRecord(ctx, &rec); err != nil {
			return nil, eris.Wrapf(err, "budget: append usage %s", res.SessionID)
		}
	}

	if g.cfg.Sticky && ledger.TotalSpent > ledger.Limit && !ledger.Flagged {
		if err := g.st.FlagOverBudget(ctx, res.SessionID); err != nil {
			return nil, eris.Wrapf(err, "budget: flag %s", res.SessionID)
		}
		ledger.Flagged = true
	}
	return ledger, nil
}

// Release drops a reservation that incurred no cost. Releasing a settled
// reservation is a no-op.
func (g *Guard) Release(res *Reservation) {
	if res == nil {
		return
	}
	unlock := g.locks.Lock(res.SessionID)
	defer unlock()
	g.settle(res)
}

// Pending is the reserved, not yet settled spend for sessionID.
func (g *Guard) Pending(sessionID string) cost.USD {
	return g.pendingFor(sessionID)
}

// Forget drops in-memory state for a session that will see no more work.
func (g *Guard) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, sessionID)
}

// Ledger returns the session's persisted ledger.
func (g *Guard) Ledger(ctx context.Context, sessionID string) (*model.BudgetLedger, error) {
	return g.st.GetLedger(ctx, sessionID)
}
