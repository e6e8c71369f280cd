package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/trip-planner/internal/resilience"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRegistryConfig(t *testing.T) {
	path := writeYAML(t, `
registry:
  providers:
    - name: anthropic-haiku
      type: anthropic
      model: claude-haiku-4-5-20251001
      class: fast-simple
      priority: 10
      rate_per_sec: 2
      burst: 4
    - name: jina-search
      type: jina
      class: fast-simple
      priority: 40
`)
	cfg, err := LoadRegistryConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, ClassFast, cfg.Providers[0].Class)
	assert.Equal(t, 2.0, cfg.Providers[0].RPS)
	assert.Equal(t, 4, cfg.Providers[0].Burst)
}

func TestLoadRegistryConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad class": "registry:\n  providers:\n    - {name: a, type: anthropic, class: genius}\n",
		"bad type":  "registry:\n  providers:\n    - {name: a, type: cohere, class: balanced}\n",
		"duplicate": "registry:\n  providers:\n    - {name: a, type: jina, class: balanced}\n    - {name: a, type: jina, class: balanced}\n",
		"no name":   "registry:\n  providers:\n    - {type: jina, class: balanced}\n",
		"not yaml":  "registry: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRegistryConfig(writeYAML(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadRegistryConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuild_SkipsMissingCredentials(t *testing.T) {
	reg, err := Build(DefaultRegistryConfig(), Credentials{JinaKey: "j", AnthropicKey: "a"})
	require.NoError(t, err)

	assert.NotNil(t, reg.Get("anthropic-haiku"))
	assert.NotNil(t, reg.Get("jina-search"))
	assert.Nil(t, reg.Get("openai-gpt4o"))
	assert.Nil(t, reg.Get("perplexity-sonar"))
	assert.Equal(t, 4, reg.Len())
}

func TestBuild_EmptyRegistryIsError(t *testing.T) {
	_, err := Build(DefaultRegistryConfig(), Credentials{})
	assert.Error(t, err)
}

func TestBuild_DisabledEntry(t *testing.T) {
	cfg := &RegistryConfig{Providers: []EntryConfig{
		{Name: "j1", Type: TypeJina, Class: ClassFast, Disabled: true},
		{Name: "j2", Type: TypeJina, Class: ClassFast},
	}}
	reg, err := Build(cfg, Credentials{JinaKey: "k"})
	require.NoError(t, err)
	assert.Nil(t, reg.Get("j1"))
	assert.NotNil(t, reg.Get("j2"))
}

func TestLimited(t *testing.T) {
	base := &stubProvider{name: "s", class: ClassFast}
	assert.Same(t, Provider(base), Limited(base, nil))

	// One token, refilled far in the future: the second call cannot meet
	// its deadline and fails fast as a provider error.
	p := Limited(base, rate.NewLimiter(rate.Every(time.Hour), 1))
	_, err := p.Call(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Call(ctx, Request{})
	var pe *resilience.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "rate limited", pe.Reason)
	assert.Equal(t, "s", p.Name())
}
