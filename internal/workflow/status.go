package workflow

import (
	"encoding/json"

	"github.com/sells-group/trip-planner/internal/model"
)

// Gap flags a stage that degraded instead of producing output.
type Gap struct {
	Stage  model.Stage `json:"stage"`
	Reason string      `json:"reason"`
}

// Result is the final workflow payload. It is encoded once when the compile
// stage completes and served verbatim afterwards.
type Result struct {
	Itinerary string    `json:"itinerary"`
	Plan      string    `json:"plan,omitempty"`
	Research  *Research `json:"research,omitempty"`
	Partial   bool      `json:"partial"`
	Gaps      []Gap     `json:"gaps"`
}

// StatusView is the GET status response body.
type StatusView struct {
	Status      model.WorkflowStatus `json:"status"`
	Progress    int                  `json:"progress"`
	CurrentStep string               `json:"currentStep"`
	Result      json.RawMessage      `json:"result"`
	Error       *string              `json:"error"`
	Logs        []model.LogEntry     `json:"logs"`
}

// NewStatusView projects a workflow onto the client view.
func NewStatusView(w *model.WorkflowState) *StatusView {
	v := &StatusView{
		Status:      w.Status,
		Progress:    min(max(w.Progress, 0), 100),
		CurrentStep: string(w.CurrentStage),
		Logs:        w.Logs,
	}
	if v.Logs == nil {
		v.Logs = []model.LogEntry{}
	}
	if w.Status == model.StatusComplete && len(w.Result) > 0 {
		v.Result = w.Result
	}
	if w.Status == model.StatusError {
		detail := w.ErrorDetail
		v.Error = &detail
	}
	return v
}
