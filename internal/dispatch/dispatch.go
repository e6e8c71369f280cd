// Package dispatch schedules workflow runs. Every accepted workflow is handed
// to a Dispatcher, which runs it asynchronously on a local worker pool, a
// Redis stream consumer group or a Temporal worker.
package dispatch

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/model"
)

var (
	// ErrQueueFull is returned when a bounded queue cannot accept more work.
	ErrQueueFull = eris.New("dispatch: queue full")
	// ErrClosed is returned after a dispatcher has shut down.
	ErrClosed = eris.New("dispatch: closed")
)

// Dispatcher schedules a recorded workflow for asynchronous execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string) error
}

// Runner runs every remaining stage of a workflow. Runs are idempotent per
// workflow id.
type Runner interface {
	Run(ctx context.Context, workflowID string) (*model.WorkflowState, error)
}

// StageRunner runs one stage of a workflow.
type StageRunner interface {
	RunStage(ctx context.Context, workflowID string, stage model.Stage) (*model.WorkflowState, error)
}
