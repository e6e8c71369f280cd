package provider

import (
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/trip-planner/pkg/anthropic"
	"github.com/sells-group/trip-planner/pkg/jina"
	"github.com/sells-group/trip-planner/pkg/perplexity"
)

// Backend types understood by Build.
const (
	TypeAnthropic  = "anthropic"
	TypeOpenAI     = "openai"
	TypePerplexity = "perplexity"
	TypeJina       = "jina"
)

// RegistryConfig is the provider table, usually read from YAML.
type RegistryConfig struct {
	Providers []EntryConfig `yaml:"providers"`
}

// EntryConfig configures one registry entry.
type EntryConfig struct {
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	Model    string  `yaml:"model"`
	Class    Class   `yaml:"class"`
	Priority int     `yaml:"priority"`
	RPS      float64 `yaml:"rate_per_sec"` // 0 = unlimited
	Burst    int     `yaml:"burst"`
	Disabled bool    `yaml:"disabled"`
}

// Credentials holds API keys and optional base URL overrides.
type Credentials struct {
	AnthropicKey      string
	AnthropicBaseURL  string
	OpenAIKey         string
	OpenAIBaseURL     string
	PerplexityKey     string
	PerplexityBaseURL string
	JinaKey           string
	JinaBaseURL       string
}

// DefaultRegistryConfig is the built-in table used when no file is given.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{Providers: []EntryConfig{
		{Name: "anthropic-haiku", Type: TypeAnthropic, Model: "claude-haiku-4-5-20251001", Class: ClassFast, Priority: 10, RPS: 10, Burst: 10},
		{Name: "anthropic-sonnet", Type: TypeAnthropic, Model: "claude-sonnet-4-5-20250929", Class: ClassBalanced, Priority: 20, RPS: 5, Burst: 5},
		{Name: "openai-gpt4o", Type: TypeOpenAI, Model: "gpt-4o", Class: ClassBalanced, Priority: 25, RPS: 5, Burst: 5},
		{Name: "anthropic-opus", Type: TypeAnthropic, Model: "claude-opus-4-6", Class: ClassDeep, Priority: 30, RPS: 2, Burst: 2},
		{Name: "jina-search", Type: TypeJina, Model: "jina-search", Class: ClassFast, Priority: 40, RPS: 5, Burst: 5},
		{Name: "perplexity-sonar", Type: TypePerplexity, Model: "sonar-pro", Class: ClassBalanced, Priority: 50, RPS: 3, Burst: 3},
	}}
}

// LoadRegistryConfig reads a provider table from a YAML file with a
// top-level "registry" key.
func LoadRegistryConfig(path string) (*RegistryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read registry config %s", path)
	}

	var wrapper struct {
		Registry RegistryConfig `yaml:"registry"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "provider: parse registry config")
	}
	if err := wrapper.Registry.Validate(); err != nil {
		return nil, err
	}
	return &wrapper.Registry, nil
}

// Validate checks names, types and classes.
func (c *RegistryConfig) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, e := range c.Providers {
		if e.Name == "" {
			return eris.Errorf("provider: entry %d has no name", i)
		}
		if seen[e.Name] {
			return eris.Errorf("provider: duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
		if e.Class.Rank() < 0 {
			return eris.Errorf("provider: entry %q has unknown class %q", e.Name, e.Class)
		}
		switch e.Type {
		case TypeAnthropic, TypeOpenAI, TypePerplexity, TypeJina:
		default:
			return eris.Errorf("provider: entry %q has unknown type %q", e.Name, e.Type)
		}
	}
	return nil
}

// Build constructs a Registry from cfg. Entries whose credentials are
// missing are skipped with a warning. An empty result is an error.
func Build(cfg *RegistryConfig, creds Credentials) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := NewRegistry()
	for _, e := range cfg.Providers {
		if e.Disabled {
			continue
		}
		p, err := buildEntry(e, creds)
		if err != nil {
			return nil, err
		}
		if p == nil {
			zap.L().Warn("provider: skipping entry without credentials",
				zap.String("provider", e.Name),
				zap.String("type", e.Type),
			)
			continue
		}
		if e.RPS > 0 {
			burst := max(e.Burst, 1)
			p = Limited(p, rate.NewLimiter(rate.Limit(e.RPS), burst))
		}
		if err := reg.Register(p, e.Priority); err != nil {
			return nil, err
		}
	}

	if reg.Len() == 0 {
		return nil, eris.New("provider: registry is empty; configure at least one provider credential")
	}
	return reg, nil
}

func buildEntry(e EntryConfig, creds Credentials) (Provider, error) {
	switch e.Type {
	case TypeAnthropic:
		if creds.AnthropicKey == "" {
			return nil, nil
		}
		var opts []anthropic.Option
		if creds.AnthropicBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(creds.AnthropicBaseURL))
		}
		return NewAnthropic(e.Name, e.Class, e.Model, anthropic.NewClient(creds.AnthropicKey, opts...)), nil
	case TypeOpenAI:
		if creds.OpenAIKey == "" {
			return nil, nil
		}
		return NewOpenAI(e.Name, e.Class, e.Model, creds.OpenAIKey, creds.OpenAIBaseURL)
	case TypePerplexity:
		if creds.PerplexityKey == "" {
			return nil, nil
		}
		opts := []perplexity.Option{perplexity.WithModel(e.Model)}
		if creds.PerplexityBaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(creds.PerplexityBaseURL))
		}
		return NewPerplexity(e.Name, e.Class, e.Model, perplexity.NewClient(creds.PerplexityKey, opts...)), nil
	case TypeJina:
		if creds.JinaKey == "" {
			return nil, nil
		}
		var opts []jina.Option
		if creds.JinaBaseURL != "" {
			opts = append(opts, jina.WithSearchBaseURL(creds.JinaBaseURL))
		}
		return NewJinaSearch(e.Name, e.Class, jina.NewClient(creds.JinaKey, opts...)), nil
	}
	return nil, eris.Errorf("provider: unknown type %q", e.Type)
}
