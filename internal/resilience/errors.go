package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/cost"
)

var (
	// ErrNoProviderAvailable is matched by every *NoProviderAvailableError.
	ErrNoProviderAvailable = eris.New("no provider available")
	// ErrBudgetExceeded is matched by every *BudgetExceededError.
	ErrBudgetExceeded = eris.New("budget exceeded")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = eris.New("not found")
	// ErrForbidden is returned when a principal may not see a record.
	ErrForbidden = eris.New("forbidden")
	// ErrWorkflowImmutable is returned when writing a terminal workflow.
	ErrWorkflowImmutable = eris.New("workflow is terminal")
	// ErrWorkflowStale is returned when a write would move progress backwards.
	ErrWorkflowStale = eris.New("workflow write is stale")
)

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError is a network, timeout, status or payload failure from one
// provider. It always counts against that provider's circuit breaker.
type ProviderError struct {
	Provider   string
	Reason     string
	StatusCode int
	Err        error
	// Usage is what the backend billed before the call failed, if it said.
	Usage cost.Usage
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a failure of the named provider.
func NewProviderError(provider, reason string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Reason: reason, Err: err}
}

// Attempt records one candidate tried during a routing attempt.
type Attempt struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Latency  time.Duration `json:"latency_ns"`
	Usage    cost.Usage    `json:"usage"`
	// CostUnits is the cost in 1/10000 USD incurred by this attempt.
	CostUnits int64 `json:"cost_units"`
}

// Billed reports whether the attempt incurred cost or reported usage.
func (a Attempt) Billed() bool {
	return a.CostUnits > 0 || a.Usage != (cost.Usage{})
}

// TotalCost sums the cost of every attempt.
func TotalCost(attempts []Attempt) cost.USD {
	var total cost.USD
	for _, a := range attempts {
		total += cost.USD(a.CostUnits)
	}
	return total
}

// NoProviderAvailableError is returned when a fallback chain is exhausted.
// Attempts still carry the cost of failed calls the backends billed.
type NoProviderAvailableError struct {
	Attempts []Attempt
}

// Spent is the total cost billed across the exhausted chain.
func (e *NoProviderAvailableError) Spent() cost.USD {
	return TotalCost(e.Attempts)
}

func (e *NoProviderAvailableError) Error() string {
	if len(e.Attempts) == 0 {
		return "no provider available: empty chain"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Provider, a.Outcome))
	}
	return "no provider available: " + strings.Join(parts, ", ")
}

func (e *NoProviderAvailableError) Is(target error) bool {
	return target == ErrNoProviderAvailable
}

// BudgetExceededError is returned when a reservation is denied.
type BudgetExceededError struct {
	SessionID string
	Reason    string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for session %s: %s", e.SessionID, e.Reason)
}

func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// WorkflowFatalError marks a terminal stage failure.
type WorkflowFatalError struct {
	Stage string
	Err   error
}

func (e *WorkflowFatalError) Error() string {
	return fmt.Sprintf("workflow fatal at %s: %v", e.Stage, e.Err)
}

func (e *WorkflowFatalError) Unwrap() error {
	return e.Err
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures, SQLite lock contention).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"database is locked",
		"sqlite_busy",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsCallerCancel reports whether err came from the caller giving up
// rather than the callee failing.
func IsCallerCancel(parent context.Context, err error) bool {
	return parent.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
