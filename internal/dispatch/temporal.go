package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/model"
)

// DefaultTaskQueue is the Temporal task queue for generation workflows.
const DefaultTaskQueue = "trip-generation"

// GenerationInput starts a GenerationWorkflow.
type GenerationInput struct {
	WorkflowID string `json:"workflowId"`
	// StageTimeout bounds one RunStage activity attempt.
	StageTimeout time.Duration `json:"stageTimeout,omitempty"`
}

// GenerationOutput is the workflow's final status.
type GenerationOutput struct {
	WorkflowID string               `json:"workflowId"`
	Status     model.WorkflowStatus `json:"status"`
	Progress   int                  `json:"progress"`
}

// StageInput is the RunStage activity argument.
type StageInput struct {
	WorkflowID string      `json:"workflowId"`
	Stage      model.Stage `json:"stage"`
}

// StageResult summarizes the persisted state after a stage.
type StageResult struct {
	Status       model.WorkflowStatus `json:"status"`
	CurrentStage model.Stage          `json:"currentStage"`
	Progress     int                  `json:"progress"`
}

// Terminal reports whether the workflow finished.
func (r StageResult) Terminal() bool {
	return r.Status.Terminal()
}

// Activities exposes the orchestrator to Temporal workers.
type Activities struct {
	Runner StageRunner
}

// RunStage runs one stage. It is safe to retry: recorded stages and
// terminal workflows are returned unchanged.
func (a *Activities) RunStage(ctx context.Context, in StageInput) (StageResult, error) {
	w, err := a.Runner.RunStage(ctx, in.WorkflowID, in.Stage)
	if err != nil {
		return StageResult{}, err
	}
	return StageResult{Status: w.Status, CurrentStage: w.CurrentStage, Progress: w.Progress}, nil
}

// GenerationWorkflow executes one RunStage activity per stage, in order,
// stopping once the workflow is terminal.
func GenerationWorkflow(ctx workflow.Context, in GenerationInput) (GenerationOutput, error) {
	timeout := in.StageTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	})
	logger := workflow.GetLogger(ctx)

	var a *Activities
	out := GenerationOutput{WorkflowID: in.WorkflowID}
	for _, stage := range model.Stages {
		var res StageResult
		if err := workflow.ExecuteActivity(ctx, a.RunStage, StageInput{WorkflowID: in.WorkflowID, Stage: stage}).Get(ctx, &res); err != nil {
			logger.Error("stage activity failed", "workflow_id", in.WorkflowID, "stage", stage, "error", err)
			return out, err
		}
		out.Status = res.Status
		out.Progress = res.Progress
		if res.Terminal() {
			return out, nil
		}
	}
	return out, temporal.NewNonRetryableApplicationError("workflow did not reach a terminal status", "Unfinished", nil)
}

// Temporal starts a GenerationWorkflow per workflow id.
type Temporal struct {
	client       client.Client
	taskQueue    string
	stageTimeout time.Duration
}

// NewTemporal creates a Temporal dispatcher.
func NewTemporal(c client.Client, taskQueue string, stageTimeout time.Duration) *Temporal {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Temporal{client: c, taskQueue: taskQueue, stageTimeout: stageTimeout}
}

// Dispatch starts the workflow using workflowID as the Temporal workflow id,
// so duplicate dispatches collapse onto one execution.
func (t *Temporal) Dispatch(ctx context.Context, workflowID string) error {
	run, err := t.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: t.taskQueue,
	}, GenerationWorkflow, GenerationInput{WorkflowID: workflowID, StageTimeout: t.stageTimeout})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil
		}
		return eris.Wrapf(err, "dispatch: start temporal workflow %s", workflowID)
	}
	zap.L().Info("dispatch: temporal workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// NewTemporalWorker registers the generation workflow and its activity on
// taskQueue.
func NewTemporalWorker(c client.Client, taskQueue string, run StageRunner) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(GenerationWorkflow)
	w.RegisterActivity(&Activities{Runner: run})
	return w
}
