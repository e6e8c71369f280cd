package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trip-planner/internal/resilience"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStageOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stage      Stage
		index      int
		checkpoint int
		next       Stage
		hard       bool
	}{
		{StageDataGather, 0, 25, StageInfoGather, true},
		{StageInfoGather, 1, 50, StagePlan, false},
		{StagePlan, 2, 75, StageCompile, false},
		{StageCompile, 3, 100, "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.index, tt.stage.Index())
			assert.Equal(t, tt.checkpoint, tt.stage.Checkpoint())
			next, ok := tt.stage.Next()
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.next != "", ok)
			assert.Equal(t, tt.hard, tt.stage.HardFail())
			assert.NotEmpty(t, tt.stage.Label())
		})
	}

	_, ok := ParseStage("bogus")
	assert.False(t, ok)
	st, ok := ParseStage("plan")
	assert.True(t, ok)
	assert.Equal(t, StagePlan, st)
}

func TestWorkflow_ForwardOnly(t *testing.T) {
	t.Parallel()
	w := NewWorkflow("wf", "s", "", t0)
	require.NoError(t, w.Start(t0))
	assert.Equal(t, StatusProcessing, w.Status)

	// Skipping ahead is rejected.
	err := w.RecordStage(StageOutput{Stage: StagePlan}, t0)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)

	last := 0
	for _, st := range Stages {
		require.NoError(t, w.RecordStage(StageOutput{Stage: st}, t0))
		assert.GreaterOrEqual(t, w.Progress, last)
		last = w.Progress
	}
	assert.Equal(t, 100, w.Progress)
	assert.Equal(t, StageCompile, w.CurrentStage)

	// Re-recording a finished stage is rejected.
	err = w.RecordStage(StageOutput{Stage: StageCompile}, t0)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)
	assert.Equal(t, Stages, w.RecordedStages())
}

func TestWorkflow_TerminalIsImmutable(t *testing.T) {
	t.Parallel()
	w := NewWorkflow("wf", "s", "", t0)
	require.NoError(t, w.Fail("compile: no provider available", t0))

	assert.ErrorIs(t, w.Start(t0), resilience.ErrWorkflowImmutable)
	assert.ErrorIs(t, w.Complete(json.RawMessage(`{}`), t0), resilience.ErrWorkflowImmutable)
	assert.ErrorIs(t, w.Fail("again", t0), resilience.ErrWorkflowImmutable)
	assert.ErrorIs(t, w.RecordStage(StageOutput{Stage: StageDataGather}, t0), resilience.ErrWorkflowImmutable)

	w.AppendLog("compile", "ignored", t0)
	assert.Empty(t, w.Logs)
	assert.Equal(t, "compile: no provider available", w.ErrorDetail)
}

func TestWorkflow_FailDefaultsDetail(t *testing.T) {
	t.Parallel()
	w := NewWorkflow("wf", "s", "", t0)
	require.NoError(t, w.Fail("", t0))
	assert.NotEmpty(t, w.ErrorDetail)
}

func TestWorkflow_Clone(t *testing.T) {
	t.Parallel()
	w := NewWorkflow("wf", "s", "owner", t0)
	require.NoError(t, w.RecordStage(StageOutput{Stage: StageDataGather, Output: json.RawMessage(`{"a":1}`)}, t0))
	w.AppendLog("data-gather", "ok", t0)

	c := w.Clone()
	c.StageOutputs[StageDataGather].Output[2] = 'b'
	c.Logs[0].Message = "changed"

	assert.JSONEq(t, `{"a":1}`, string(w.StageOutputs[StageDataGather].Output))
	assert.Equal(t, "ok", w.Logs[0].Message)
}

func TestWorkflowStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusError.Terminal())
}
