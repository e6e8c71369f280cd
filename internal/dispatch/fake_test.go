package dispatch

import (
	"context"
	"sync"

	"github.com/sells-group/trip-planner/internal/model"
)

// fakeRunner advances an in-memory workflow one stage per call.
type fakeRunner struct {
	mu     sync.Mutex
	runs   map[string]int
	stages []model.Stage
	// err, when set, is returned by every call.
	err error
	// failAt ends the workflow with an error status at that stage.
	failAt model.Stage
	block  chan struct{}
	states map[string]*model.WorkflowState
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: make(map[string]int), states: make(map[string]*model.WorkflowState)}
}

func (f *fakeRunner) state(id string) *model.WorkflowState {
	w, ok := f.states[id]
	if !ok {
		w = model.NewWorkflow(id, "s", "", timeZero)
		f.states[id] = w
	}
	return w
}

func (f *fakeRunner) Run(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[workflowID]++
	if f.err != nil {
		return nil, f.err
	}
	w := f.state(workflowID)
	_ = w.Complete([]byte(`{}`), timeZero)
	return w.Clone(), nil
}

func (f *fakeRunner) RunStage(_ context.Context, workflowID string, stage model.Stage) (*model.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
	if f.err != nil {
		return nil, f.err
	}
	w := f.state(workflowID)
	if w.Terminal() || w.Recorded(stage) {
		return w.Clone(), nil
	}
	if stage == f.failAt {
		_ = w.Fail(string(stage)+" failed", timeZero)
		return w.Clone(), nil
	}
	if err := w.RecordStage(model.StageOutput{Stage: stage}, timeZero); err != nil {
		return nil, err
	}
	if stage == model.StageCompile {
		_ = w.Complete([]byte(`{}`), timeZero)
	}
	return w.Clone(), nil
}

func (f *fakeRunner) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

func (f *fakeRunner) seenStages() []model.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Stage(nil), f.stages...)
}
