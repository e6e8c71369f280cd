package budget

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/internal/store"
)

func usd(f float64) cost.USD { return cost.FromFloat(f) }

// newGuard returns a guard over a fresh SQLite store holding session "s1"
// with the given limit and prior spend.
func newGuard(t *testing.T, cfg Config, spent cost.USD) (*Guard, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateSession(ctx, model.NewSession("s1", "", now, time.Hour), cfg.DefaultLimit))
	if spent > 0 {
		_, err := st.ReserveAndCommitSpend(ctx, "s1", model.SpendDelta{Amount: spent, Operation: model.OpGeneration})
		require.NoError(t, err)
	}
	return NewGuard(st, cfg), st
}

func TestGuard_ReserveAgainstLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("over remaining is denied", func(t *testing.T) {
		g, _ := newGuard(t, DefaultConfig(), usd(4.50))
		_, err := g.Reserve(ctx, "s1", usd(1.00))
		require.ErrorIs(t, err, resilience.ErrBudgetExceeded)
		var be *resilience.BudgetExceededError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "s1", be.SessionID)
	})

	t.Run("within remaining is approved and committed", func(t *testing.T) {
		g, _ := newGuard(t, DefaultConfig(), usd(4.50))
		res, err := g.Reserve(ctx, "s1", usd(0.40))
		require.NoError(t, err)

		ledger, err := g.Commit(ctx, res, usd(0.40), model.TokenUsageRecord{Provider: "anthropic-sonnet", Operation: model.OpGeneration})
		require.NoError(t, err)
		assert.Equal(t, usd(4.90), ledger.TotalSpent)
		assert.False(t, ledger.IsOverBudget())
	})
}

func TestGuard_NonStickySequence(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Sticky = false
	g, _ := newGuard(t, cfg, usd(4.50))

	_, err := g.Reserve(ctx, "s1", usd(1.00))
	require.ErrorIs(t, err, resilience.ErrBudgetExceeded)

	res, err := g.Reserve(ctx, "s1", usd(0.40))
	require.NoError(t, err)
	ledger, err := g.Commit(ctx, res, usd(0.40), model.TokenUsageRecord{})
	require.NoError(t, err)
	assert.Equal(t, usd(4.90), ledger.TotalSpent)
	assert.False(t, ledger.Flagged)
}

func TestGuard_StickyAfterDenial(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard(t, DefaultConfig(), usd(4.50))

	_, err := g.Reserve(ctx, "s1", usd(1.00))
	require.Error(t, err)

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.BudgetExceeded)

	_, err = g.Reserve(ctx, "s1", usd(0.10))
	assert.ErrorIs(t, err, resilience.ErrBudgetExceeded, "flagged session must stay denied")

	res, err := g.Reserve(ctx, "s1", 0)
	require.NoError(t, err, "zero-cost work is still allowed")
	g.Release(res)
}

func TestGuard_ActualCostWins(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard(t, DefaultConfig(), 0)

	res, err := g.Reserve(ctx, "s1", usd(0.50))
	require.NoError(t, err)
	ledger, err := g.Commit(ctx, res, usd(0.0123), model.TokenUsageRecord{
		Provider:     "perplexity-sonar",
		Model:        "sonar-pro",
		Operation:    model.OpSearch,
		InputTokens:  300,
		OutputTokens: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, usd(0.0123), ledger.TotalSpent)
	assert.Equal(t, usd(0.0123), ledger.Breakdown.Search)
	assert.Equal(t, int64(1), ledger.OperationsCount)

	recs, err := st.ListUsageRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, usd(0.0123), recs[0].Cost)
	assert.Equal(t, res.ID, recs[0].RequestID)
	assert.Equal(t, model.OpSearch, recs[0].Operation)
}

func TestGuard_CommitOverLimitFlags(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, DefaultConfig(), usd(4.00))

	res, err := g.Reserve(ctx, "s1", usd(0.50))
	require.NoError(t, err)
	ledger, err := g.Commit(ctx, res, usd(1.25), model.TokenUsageRecord{})
	require.NoError(t, err)
	assert.Equal(t, usd(5.25), ledger.TotalSpent)
	assert.True(t, ledger.Flagged)
	assert.True(t, ledger.IsOverBudget())
}

func TestGuard_PendingReservationsCount(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, DefaultConfig(), usd(4.00))

	first, err := g.Reserve(ctx, "s1", usd(0.60))
	require.NoError(t, err)

	_, err = g.Reserve(ctx, "s1", usd(0.60))
	require.ErrorIs(t, err, resilience.ErrBudgetExceeded, "pending reservations count against the limit")

	g.Release(first)
	g.Release(first)
	assert.Equal(t, cost.USD(0), g.pendingFor("s1"))
}

func TestGuard_ConcurrentReserveOnlyOneFits(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Sticky = false
	g, _ := newGuard(t, cfg, usd(4.50))

	var (
		wg       sync.WaitGroup
		approved atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(ctx, "s1", usd(0.40)); err == nil {
				approved.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), approved.Load())
}

func TestGuard_DoubleCommitRejected(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, DefaultConfig(), 0)

	res, err := g.Reserve(ctx, "s1", usd(0.10))
	require.NoError(t, err)
	_, err = g.Commit(ctx, res, usd(0.10), model.TokenUsageRecord{})
	require.NoError(t, err)
	_, err = g.Commit(ctx, res, usd(0.10), model.TokenUsageRecord{})
	assert.Error(t, err)

	ledger, err := g.Ledger(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, usd(0.10), ledger.TotalSpent)
}

func TestGuard_SpendIsMonotonic(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, DefaultConfig(), 0)

	var last cost.USD
	for _, amt := range []float64{0.10, 0, 0.25, 0.01, 0} {
		res, err := g.Reserve(ctx, "s1", usd(amt))
		require.NoError(t, err)
		ledger, err := g.Commit(ctx, res, usd(amt), model.TokenUsageRecord{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, int64(ledger.TotalSpent), int64(last))
		last = ledger.TotalSpent
	}

	_, err := g.Reserve(ctx, "s1", -1)
	assert.True(t, resilience.IsValidation(err))
}

func TestGuard_UnknownSession(t *testing.T) {
	g, _ := newGuard(t, DefaultConfig(), 0)
	_, err := g.Reserve(context.Background(), "ghost", usd(0.01))
	assert.ErrorIs(t, err, resilience.ErrNotFound)
}

func TestKeyedMutex_CleansUp(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.len())
	unlockA()
	unlockB()
	assert.Equal(t, 0, k.len())
}

func TestGuard_CommitUsageChargesEveryBilledCall(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard(t, DefaultConfig(), 0)

	res, err := g.Reserve(ctx, "s1", usd(0.30))
	require.NoError(t, err)
	ledger, err := g.CommitUsage(ctx, res, []model.TokenUsageRecord{
		{Provider: "anthropic-opus", Model: "claude-opus-4-6", Operation: model.OpGeneration, Cost: usd(0.24)},
		{Provider: "perplexity-sonar", Model: "sonar", Operation: model.OpSearch, Cost: usd(0.01)},
	})
	require.NoError(t, err)
	assert.Equal(t, usd(0.25), ledger.TotalSpent)
	assert.Equal(t, int64(2), ledger.OperationsCount)

	recs, err := st.ListUsageRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, res.ID, recs[0].RequestID)
	assert.Equal(t, ledger.Breakdown, model.RebuildBreakdown(recs))

	_, err = g.CommitUsage(ctx, res, nil)
	assert.Error(t, err, "a reservation settles once")
}

func TestGuard_CommitUsageEmptySettles(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, DefaultConfig(), usd(4.00))

	res, err := g.Reserve(ctx, "s1", usd(0.90))
	require.NoError(t, err)
	ledger, err := g.CommitUsage(ctx, res, nil)
	require.NoError(t, err)
	assert.Equal(t, usd(4.00), ledger.TotalSpent)

	_, err = g.Reserve(ctx, "s1", usd(0.90))
	assert.NoError(t, err, "settled reservation no longer holds headroom")
}

func TestGuard_ForgetDropsPending(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, DefaultConfig(), 0)

	_, err := g.Reserve(ctx, "s1", usd(1.50))
	require.NoError(t, err)
	assert.Equal(t, usd(1.50), g.Pending("s1"))

	g.Forget("s1")
	assert.Equal(t, cost.USD(0), g.Pending("s1"))
}
