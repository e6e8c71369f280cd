package model

import (
	"time"

	"github.com/sells-group/trip-planner/internal/cost"
)

// Operation is the billable operation kind recorded on a usage record.
type Operation string

const (
	OpEmbedding     Operation = "embedding"
	OpGeneration    Operation = "generation"
	OpSearch        Operation = "search"
	OpSummarization Operation = "summarization"
)

// Bucket maps an operation to its breakdown bucket. Summarization is billed
// as generation.
func (o Operation) Bucket() Operation {
	if o == OpSummarization {
		return OpGeneration
	}
	return o
}

// Breakdown is spend by operation bucket.
type Breakdown struct {
	Embedding  cost.USD `json:"embedding"`
	Generation cost.USD `json:"generation"`
	Search     cost.USD `json:"search"`
}

// Add credits amount to op's bucket.
func (b *Breakdown) Add(op Operation, amount cost.USD) {
	switch op.Bucket() {
	case OpEmbedding:
		b.Embedding += amount
	case OpSearch:
		b.Search += amount
	default:
		b.Generation += amount
	}
}

// Total is the sum of all buckets.
func (b Breakdown) Total() cost.USD {
	return b.Embedding + b.Generation + b.Search
}

// BudgetLedger is a session's running spend against its cap. TotalSpent never
// decreases.
type BudgetLedger struct {
	SessionID       string    `json:"sessionId"`
	TotalSpent      cost.USD  `json:"totalSpentUSD"`
	Limit           cost.USD  `json:"limitUSD"`
	OperationsCount int64     `json:"operationsCount"`
	Flagged         bool      `json:"flagged"` // sticky over-budget marker
	Breakdown       Breakdown `json:"breakdown"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// IsOverBudget is true once spend passed the limit or a reservation was
// denied.
func (l *BudgetLedger) IsOverBudget() bool {
	return l.Flagged || l.TotalSpent > l.Limit
}

// Remaining is the headroom left under the limit, never negative.
func (l *BudgetLedger) Remaining() cost.USD {
	if l.TotalSpent >= l.Limit {
		return 0
	}
	return l.Limit - l.TotalSpent
}

// SpendDelta is one atomic ledger increment.
type SpendDelta struct {
	Amount    cost.USD  `json:"amount"`
	Operation Operation `json:"operation"`
}

// TokenUsageRecord is an append-only audit row for one billable call.
type TokenUsageRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	RequestID    string    `json:"requestId"`
	WorkflowID   string    `json:"workflowId,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Operation    Operation `json:"operation"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Cost         cost.USD  `json:"costUSD"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RebuildBreakdown reconstructs spend per bucket from usage records.
func RebuildBreakdown(records []TokenUsageRecord) Breakdown {
	var b Breakdown
	for _, r := range records {
		b.Add(r.Operation, r.Cost)
	}
	return b
}
