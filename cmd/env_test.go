package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trip-planner/internal/config"
	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/provider"
	"github.com/sells-group/trip-planner/internal/workflow"
)

func TestRouterConfig(t *testing.T) {
	c := &config.Config{}
	c.Routing.DeepTimeout = 90 * time.Second

	rc := routerConfig(c)
	assert.Equal(t, 15*time.Second, rc.Timeouts[provider.ClassFast])
	assert.Equal(t, 45*time.Second, rc.Timeouts[provider.ClassBalanced])
	assert.Equal(t, 90*time.Second, rc.Timeouts[provider.ClassDeep])
}

func TestWorkflowConfig(t *testing.T) {
	c := &config.Config{}
	c.Workflow.StageDeadline = time.Minute
	c.Workflow.RetryAttempts = 5
	c.Budget.ExceededPolicy = "free-retry"

	wc := workflowConfig(c)
	assert.Equal(t, time.Minute, wc.StageDeadline)
	assert.Equal(t, 24*time.Hour, wc.SessionTTL)
	assert.Equal(t, workflow.PolicyFreeRetry, wc.ExceededPolicy)
	assert.Equal(t, 5, wc.Retry.MaxAttempts)
	assert.NotNil(t, wc.Retry.OnRetry)
	assert.NoError(t, wc.Validate())
}

func TestBudgetConfig(t *testing.T) {
	c := &config.Config{}
	c.Budget.DefaultLimit = 2.5
	c.Budget.Sticky = true

	bc := budgetConfig(c)
	assert.Equal(t, cost.FromFloat(2.5), bc.DefaultLimit)
	assert.True(t, bc.Sticky)
}

func TestInitStore(t *testing.T) {
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "env.db")

	st, err := initStore(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Close())

	c.Store.Driver = "mysql"
	_, err = initStore(context.Background(), c)
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestRegistryConfig_Default(t *testing.T) {
	rc, err := registryConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, provider.DefaultRegistryConfig(), rc)
}

func TestPrintProviders(t *testing.T) {
	regCfg := &provider.RegistryConfig{Providers: []provider.EntryConfig{
		{Name: "anthropic-haiku", Type: provider.TypeAnthropic, Model: "claude-haiku-4-5-20251001", Class: provider.ClassFast, Priority: 10},
		{Name: "jina-search", Type: provider.TypeJina, Model: "jina-search", Class: provider.ClassFast, Priority: 40},
		{Name: "openai-gpt4o", Type: provider.TypeOpenAI, Model: "gpt-4o", Class: provider.ClassBalanced, Priority: 25, Disabled: true},
	}}

	var buf bytes.Buffer
	require.NoError(t, printProviders(&buf, regCfg, provider.Credentials{AnthropicKey: "k"}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)
	assert.Contains(t, string(lines[0]), "PRIORITY")
	assert.Contains(t, string(lines[1]), "ready")
	assert.Contains(t, string(lines[2]), "no credentials")
	assert.Contains(t, string(lines[3]), "disabled")
}

func TestInitDispatcher_Local(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{}
	cfg.Dispatch.Driver = config.DriverLocal
	cfg.Dispatch.Workers = 1
	cfg.Dispatch.QueueSize = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp, closeFn, err := initDispatcher(ctx, &appEnv{Orchestrator: workflow.New(nil, nil, nil, workflow.DefaultConfig())})
	require.NoError(t, err)
	require.NotNil(t, disp)
	closeFn()
}

func TestInitDispatcher_Unknown(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{}
	cfg.Dispatch.Driver = "sqs"

	_, _, err := initDispatcher(context.Background(), &appEnv{})
	assert.ErrorContains(t, err, "unsupported dispatch driver")
}

type unfinished []*model.WorkflowState

func (u unfinished) ListWorkflows(_ context.Context, _ ...model.WorkflowStatus) ([]*model.WorkflowState, error) {
	return u, nil
}

type collectDispatcher struct{ ids []string }

func (c *collectDispatcher) Dispatch(_ context.Context, id string) error {
	c.ids = append(c.ids, id)
	return nil
}

func TestResumeUnfinished(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	src := unfinished{{WorkflowID: "wf-1"}, {WorkflowID: "wf-2"}}

	tests := []struct {
		driver string
		want   []string
	}{
		{driver: config.DriverLocal, want: []string{"wf-1", "wf-2"}},
		{driver: config.DriverRedis},
		{driver: config.DriverTemporal},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg = &config.Config{}
			cfg.Dispatch.Driver = tt.driver
			d := &collectDispatcher{}

			resumeUnfinished(context.Background(), src, d)
			assert.Equal(t, tt.want, d.ids)
		})
	}
}
