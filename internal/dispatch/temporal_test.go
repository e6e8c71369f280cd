package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/trip-planner/internal/model"
)

func TestGenerationWorkflow_RunsStagesInOrder(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	run := newFakeRunner()
	env.RegisterActivity(&Activities{Runner: run})

	env.ExecuteWorkflow(GenerationWorkflow, GenerationInput{WorkflowID: "wf-1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out GenerationOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, model.StatusComplete, out.Status)
	assert.Equal(t, 100, out.Progress)
	assert.Equal(t, model.Stages, run.seenStages())
}

func TestGenerationWorkflow_StopsAtTerminalStage(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	run := newFakeRunner()
	run.failAt = model.StageDataGather
	env.RegisterActivity(&Activities{Runner: run})

	env.ExecuteWorkflow(GenerationWorkflow, GenerationInput{WorkflowID: "wf-2"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out GenerationOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, model.StatusError, out.Status)
	assert.Equal(t, []model.Stage{model.StageDataGather}, run.seenStages())
}

func TestGenerationWorkflow_ActivityErrorFailsWorkflow(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	run := newFakeRunner()
	run.err = assert.AnError
	env.RegisterActivity(&Activities{Runner: run})

	env.ExecuteWorkflow(GenerationWorkflow, GenerationInput{WorkflowID: "wf-3"})

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
	// Activity retries are bounded by the retry policy.
	assert.Len(t, run.seenStages(), 3)
}

func TestActivities_RunStage(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	run := newFakeRunner()
	a := &Activities{Runner: run}
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.RunStage, StageInput{WorkflowID: "wf", Stage: model.StageDataGather})
	require.NoError(t, err)
	var res StageResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, model.StatusPending, res.Status)
	assert.Equal(t, model.StageInfoGather, res.CurrentStage)
	assert.Equal(t, 25, res.Progress)
	assert.False(t, res.Terminal())
}

func TestTemporal_Dispatch(t *testing.T) {
	c := &mocks.Client{}
	wr := &mocks.WorkflowRun{}
	wr.On("GetRunID").Return("run-1")
	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "wf-1" && o.TaskQueue == DefaultTaskQueue
	}), mock.Anything, mock.Anything).Return(wr, nil)

	d := NewTemporal(c, "", 0)
	require.NoError(t, d.Dispatch(context.Background(), "wf-1"))
	c.AssertExpectations(t)
}

func TestTemporal_DispatchAlreadyStarted(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, serviceerror.NewWorkflowExecutionAlreadyStarted("started", "", ""))

	d := NewTemporal(c, "q", 0)
	assert.NoError(t, d.Dispatch(context.Background(), "wf-1"))
}

func TestTemporal_DispatchError(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	d := NewTemporal(c, "q", 0)
	assert.ErrorIs(t, d.Dispatch(context.Background(), "wf-1"), assert.AnError)
}
