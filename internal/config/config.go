package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/trip-planner/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Workflow   WorkflowConfig   `yaml:"workflow" mapstructure:"workflow"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	ServiceToken   string        `yaml:"service_token" mapstructure:"service_token"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds Jina Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// ProvidersConfig points at an optional provider registry file.
type ProvidersConfig struct {
	ConfigPath string   `yaml:"config_path" mapstructure:"config_path"`
	Exclude    []string `yaml:"exclude" mapstructure:"exclude"`
}

// RoutingConfig holds per-class call timeouts.
type RoutingConfig struct {
	FastTimeout     time.Duration `yaml:"fast_timeout" mapstructure:"fast_timeout"`
	BalancedTimeout time.Duration `yaml:"balanced_timeout" mapstructure:"balanced_timeout"`
	DeepTimeout     time.Duration `yaml:"deep_timeout" mapstructure:"deep_timeout"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// BudgetConfig configures the per-session spend cap.
type BudgetConfig struct {
	DefaultLimit   float64 `yaml:"default_limit" mapstructure:"default_limit"`
	Sticky         bool    `yaml:"sticky" mapstructure:"sticky"`
	ExceededPolicy string  `yaml:"exceeded_policy" mapstructure:"exceeded_policy"`
}

// WorkflowConfig configures stage execution and persistence retries.
type WorkflowConfig struct {
	StageDeadline       time.Duration `yaml:"stage_deadline" mapstructure:"stage_deadline"`
	SessionTTL          time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`
	EstimatedCompletion time.Duration `yaml:"estimated_completion" mapstructure:"estimated_completion"`
	RetryAttempts       int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoff        time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff" mapstructure:"retry_max_backoff"`
}

// DispatchConfig selects how accepted workflows are run.
type DispatchConfig struct {
	Driver    string         `yaml:"driver" mapstructure:"driver"`
	Workers   int            `yaml:"workers" mapstructure:"workers"`
	QueueSize int            `yaml:"queue_size" mapstructure:"queue_size"`
	Redis     RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Temporal  TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// RedisConfig configures the Redis Streams dispatcher.
type RedisConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	Password      string `yaml:"password" mapstructure:"password"`
	Stream        string `yaml:"stream" mapstructure:"stream"`
	Group         string `yaml:"group" mapstructure:"group"`
	Consumer      string `yaml:"consumer" mapstructure:"consumer"`
	MaxDeliveries int    `yaml:"max_deliveries" mapstructure:"max_deliveries"`
}

// TemporalConfig configures the Temporal dispatcher.
type TemporalConfig struct {
	HostPort     string        `yaml:"host_port" mapstructure:"host_port"`
	Namespace    string        `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue    string        `yaml:"task_queue" mapstructure:"task_queue"`
	StageTimeout time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
}

// MonitoringConfig configures the background housekeeping and alert loop.
type MonitoringConfig struct {
	CheckInterval       time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	WebhookURL          string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	ErrorRateThreshold  float64       `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	DeadLetterThreshold int64         `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
}

// Dispatch drivers.
const (
	DriverLocal    = "local"
	DriverRedis    = "redis"
	DriverTemporal = "temporal"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRIPPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tripplan.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("routing.fast_timeout", "15s")
	v.SetDefault("routing.balanced_timeout", "45s")
	v.SetDefault("routing.deep_timeout", "120s")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown", "30s")
	v.SetDefault("budget.default_limit", 5.00)
	v.SetDefault("budget.sticky", true)
	v.SetDefault("budget.exceeded_policy", "skip")
	v.SetDefault("workflow.stage_deadline", "180s")
	v.SetDefault("workflow.session_ttl", "24h")
	v.SetDefault("workflow.estimated_completion", "90s")
	v.SetDefault("workflow.retry_attempts", 3)
	v.SetDefault("workflow.retry_backoff", "500ms")
	v.SetDefault("workflow.retry_max_backoff", "5s")
	v.SetDefault("dispatch.driver", DriverLocal)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 64)
	v.SetDefault("dispatch.redis.url", "redis://localhost:6379/0")
	v.SetDefault("dispatch.redis.max_deliveries", 3)
	v.SetDefault("dispatch.temporal.host_port", "localhost:7233")
	v.SetDefault("dispatch.temporal.namespace", "default")
	v.SetDefault("dispatch.temporal.task_queue", "trip-generation")
	v.SetDefault("dispatch.temporal.stage_timeout", "5m")
	v.SetDefault("monitoring.check_interval", "1m")
	v.SetDefault("monitoring.error_rate_threshold", 0.5)
	v.SetDefault("monitoring.dead_letter_threshold", 1)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys the given command needs. Modes: serve, worker,
// status, sweep, migrate, providers.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "serve", "worker":
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Anthropic.Key == "" && c.OpenAI.Key == "" && c.Perplexity.Key == "" && c.Jina.Key == "" {
			errs = append(errs, "at least one of anthropic.key, openai.key, perplexity.key, jina.key is required")
		}
		if c.Budget.DefaultLimit < 0 {
			errs = append(errs, "budget.default_limit must be >= 0")
		}
		switch c.Budget.ExceededPolicy {
		case "skip", "free-retry":
		default:
			errs = append(errs, "budget.exceeded_policy must be skip or free-retry")
		}
		if c.Workflow.StageDeadline <= 0 {
			errs = append(errs, "workflow.stage_deadline must be > 0")
		}
		if c.Monitoring.ErrorRateThreshold < 0 || c.Monitoring.ErrorRateThreshold > 1 {
			errs = append(errs, "monitoring.error_rate_threshold must be between 0 and 1")
		}
		errs = append(errs, c.validateDispatch()...)
	case "status", "sweep", "session", "migrate", "providers":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateDispatch() []string {
	var errs []string
	switch c.Dispatch.Driver {
	case DriverLocal:
		if c.Dispatch.Workers < 1 || c.Dispatch.Workers > 64 {
			errs = append(errs, "dispatch.workers must be between 1 and 64")
		}
		if c.Dispatch.QueueSize < 1 {
			errs = append(errs, "dispatch.queue_size must be > 0")
		}
	case DriverRedis:
		if c.Dispatch.Redis.URL == "" {
			errs = append(errs, "dispatch.redis.url is required")
		}
	case DriverTemporal:
		if c.Dispatch.Temporal.HostPort == "" {
			errs = append(errs, "dispatch.temporal.host_port is required")
		}
	default:
		errs = append(errs, "dispatch.driver must be local, redis or temporal")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
