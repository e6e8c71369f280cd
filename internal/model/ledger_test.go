package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/trip-planner/internal/cost"
)

func TestBreakdown_Add(t *testing.T) {
	t.Parallel()
	var b Breakdown
	b.Add(OpSearch, cost.FromFloat(0.01))
	b.Add(OpGeneration, cost.FromFloat(0.20))
	b.Add(OpSummarization, cost.FromFloat(0.05))
	b.Add(OpEmbedding, cost.FromFloat(0.001))

	assert.Equal(t, cost.FromFloat(0.01), b.Search)
	assert.Equal(t, cost.FromFloat(0.25), b.Generation)
	assert.Equal(t, cost.FromFloat(0.001), b.Embedding)
	assert.Equal(t, cost.FromFloat(0.261), b.Total())
}

func TestBudgetLedger_IsOverBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ledger BudgetLedger
		want   bool
	}{
		{"under", BudgetLedger{TotalSpent: cost.FromFloat(4.5), Limit: cost.FromFloat(5)}, false},
		{"at limit", BudgetLedger{TotalSpent: cost.FromFloat(5), Limit: cost.FromFloat(5)}, false},
		{"over", BudgetLedger{TotalSpent: cost.FromFloat(5.0001), Limit: cost.FromFloat(5)}, true},
		{"flagged", BudgetLedger{TotalSpent: 0, Limit: cost.FromFloat(5), Flagged: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ledger.IsOverBudget())
		})
	}
}

func TestBudgetLedger_Remaining(t *testing.T) {
	t.Parallel()
	l := BudgetLedger{TotalSpent: cost.FromFloat(4.5), Limit: cost.FromFloat(5)}
	assert.Equal(t, cost.FromFloat(0.5), l.Remaining())
	l.TotalSpent = cost.FromFloat(6)
	assert.Equal(t, cost.USD(0), l.Remaining())
}

func TestRebuildBreakdown(t *testing.T) {
	t.Parallel()
	recs := []TokenUsageRecord{
		{Operation: OpSearch, Cost: 100},
		{Operation: OpGeneration, Cost: 2000},
		{Operation: OpSearch, Cost: 50},
	}
	b := RebuildBreakdown(recs)
	assert.Equal(t, cost.USD(150), b.Search)
	assert.Equal(t, cost.USD(2000), b.Generation)
}

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("s1", "", now, time.Hour)

	assert.True(t, s.Active(now.Add(59*time.Minute)))
	assert.False(t, s.Active(now.Add(time.Hour)))

	s.Touch(now.Add(30*time.Minute), time.Hour)
	assert.True(t, s.Active(now.Add(89*time.Minute)))

	s.State = SessionFlushed
	assert.False(t, s.Active(now))
}
