package model

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// WorkflowStatus is the externally visible state of a generation run.
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusProcessing WorkflowStatus = "processing"
	StatusComplete   WorkflowStatus = "complete"
	StatusError      WorkflowStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Stage is one step of the generation workflow.
type Stage string

const (
	StageDataGather Stage = "data-gather"
	StageInfoGather Stage = "info-gather"
	StagePlan       Stage = "plan"
	StageCompile    Stage = "compile"
)

// Stages is the fixed execution order.
var Stages = []Stage{StageDataGather, StageInfoGather, StagePlan, StageCompile}

var stageCheckpoints = map[Stage]int{
	StageDataGather: 25,
	StageInfoGather: 50,
	StagePlan:       75,
	StageCompile:    100,
}

var stageLabels = map[Stage]string{
	StageDataGather: "Data Gatherer",
	StageInfoGather: "Information Gatherer",
	StagePlan:       "Planning Strategist",
	StageCompile:    "Content Compiler",
}

// ErrStageOutOfOrder is returned when recording a stage other than the
// current one.
var ErrStageOutOfOrder = eris.New("stage out of order")

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, bool) {
	st := Stage(s)
	_, ok := stageCheckpoints[st]
	return st, ok
}

// Index is the stage's position in Stages, or -1.
func (s Stage) Index() int {
	return slices.Index(Stages, s)
}

// Checkpoint is the progress percent reached when the stage completes.
func (s Stage) Checkpoint() int {
	return stageCheckpoints[s]
}

// Label is the human-readable stage name.
func (s Stage) Label() string {
	return stageLabels[s]
}

// Next returns the stage after s.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Stages) {
		return "", false
	}
	return Stages[i+1], true
}

// HardFail reports whether a failure of the stage ends the workflow.
// Research and planning degrade instead.
func (s Stage) HardFail() bool {
	return s == StageDataGather || s == StageCompile
}

// StageOutput is the recorded result of one stage.
type StageOutput struct {
	Stage         Stage           `json:"stage"`
	Provider      string          `json:"provider,omitempty"`
	Model         string          `json:"model,omitempty"`
	FallbackDepth int             `json:"fallbackDepth"`
	Degraded      bool            `json:"degraded"`
	Gap           string          `json:"gap,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Cost          cost.USD        `json:"costUSD"`
	CompletedAt   time.Time       `json:"completedAt"`
}

// LogEntry is one append-only workflow log line.
type LogEntry struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// WorkflowState is the persisted, pollable record of one generation run.
// It is immutable once Status is terminal.
type WorkflowState struct {
	WorkflowID   string                 `json:"workflowId"`
	SessionID    string                 `json:"sessionId"`
	OwnerID      string                 `json:"ownerId,omitempty"`
	Status       WorkflowStatus         `json:"status"`
	CurrentStage Stage                  `json:"currentStage"`
	Progress     int                    `json:"progressPercent"`
	StageOutputs map[Stage]*StageOutput `json:"stageOutputs"`
	ErrorDetail  string                 `json:"errorDetail,omitempty"`
	Logs         []LogEntry             `json:"logEntries"`
	// Input is the validated form data the run was accepted with.
	Input     json.RawMessage `json:"input,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NewWorkflow returns a pending workflow positioned at the first stage.
func NewWorkflow(id, sessionID, ownerID string, now time.Time) *WorkflowState {
	now = now.UTC()
	return &WorkflowState{
		WorkflowID:   id,
		SessionID:    sessionID,
		OwnerID:      ownerID,
		Status:       StatusPending,
		CurrentStage: Stages[0],
		StageOutputs: make(map[Stage]*StageOutput),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Terminal reports whether the workflow has finished.
func (w *WorkflowState) Terminal() bool {
	return w.Status.Terminal()
}

// Recorded reports whether stage already has an output.
func (w *WorkflowState) Recorded(stage Stage) bool {
	_, ok := w.StageOutputs[stage]
	return ok
}

// Start moves a pending workflow to processing. Starting a processing
// workflow is a no-op.
func (w *WorkflowState) Start(now time.Time) error {
	if w.Terminal() {
		return resilience.ErrWorkflowImmutable
	}
	if w.Status == StatusPending {
		w.Status = StatusProcessing
		w.UpdatedAt = now.UTC()
	}
	return nil
}

// RecordStage stores the current stage's output, bumps progress to the
// stage's checkpoint and advances to the next stage. Stages are recorded
// strictly in order and at most once.
func (w *WorkflowState) RecordStage(out StageOutput, now time.Time) error {
	if w.Terminal() {
		return resilience.ErrWorkflowImmutable
	}
	if out.Stage != w.CurrentStage || w.Recorded(out.Stage) {
		return eris.Wrapf(ErrStageOutOfOrder, "model: record %s at %s", out.Stage, w.CurrentStage)
	}

	now = now.UTC()
	out.CompletedAt = now
	if w.StageOutputs == nil {
		w.StageOutputs = make(map[Stage]*StageOutput)
	}
	w.StageOutputs[out.Stage] = &out
	w.Progress = max(w.Progress, out.Stage.Checkpoint())
	if next, ok := out.Stage.Next(); ok {
		w.CurrentStage = next
	}
	w.UpdatedAt = now
	return nil
}

// Complete marks the workflow done with its final result.
func (w *WorkflowState) Complete(result json.RawMessage, now time.Time) error {
	if w.Terminal() {
		return resilience.ErrWorkflowImmutable
	}
	w.Status = StatusComplete
	w.Result = result
	w.Progress = 100
	w.UpdatedAt = now.UTC()
	return nil
}

// Fail marks the workflow terminally failed at the current stage.
func (w *WorkflowState) Fail(detail string, now time.Time) error {
	if w.Terminal() {
		return resilience.ErrWorkflowImmutable
	}
	if detail == "" {
		detail = "workflow failed"
	}
	w.Status = StatusError
	w.ErrorDetail = detail
	w.UpdatedAt = now.UTC()
	return nil
}

// AppendLog adds a log line. Terminal workflows are left untouched.
func (w *WorkflowState) AppendLog(step, message string, now time.Time) {
	if w.Terminal() {
		return
	}
	w.Logs = append(w.Logs, LogEntry{Step: step, Timestamp: now.UTC(), Message: message})
}

// Clone returns a deep copy.
func (w *WorkflowState) Clone() *WorkflowState {
	c := *w
	c.StageOutputs = make(map[Stage]*StageOutput, len(w.StageOutputs))
	for k, v := range w.StageOutputs {
		o := *v
		o.Output = slices.Clone(v.Output)
		c.StageOutputs[k] = &o
	}
	c.Logs = slices.Clone(w.Logs)
	c.Result = slices.Clone(w.Result)
	c.Input = slices.Clone(w.Input)
	return &c
}

// RecordedStages returns the stages with outputs, in execution order.
func (w *WorkflowState) RecordedStages() []Stage {
	keys := slices.Collect(maps.Keys(w.StageOutputs))
	slices.SortFunc(keys, func(a, b Stage) int { return a.Index() - b.Index() })
	return keys
}
