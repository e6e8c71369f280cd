package resilience

import (
	"time"
)

// DeadLetter records a workflow run that a queue consumer gave up on, or
// parked for a delayed redelivery.
type DeadLetter struct {
	WorkflowID   string    `json:"workflow_id"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	FailedStage  string    `json:"failed_stage,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// NewDeadLetter classifies err for the given delivery attempt. retryCount is
// the number of deliveries already made.
func NewDeadLetter(workflowID string, err error, retryCount, maxRetries int, now time.Time) DeadLetter {
	return DeadLetter{
		WorkflowID:   workflowID,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(time.Duration(retryCount+1) * time.Second),
		LastFailedAt: now,
	}
}

// CanRetry returns true if the failure is transient and the entry hasn't
// exceeded its max retry count.
func (e *DeadLetter) CanRetry() bool {
	return e.ErrorType == "transient" && e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
