package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Moderation ModerationConfig `yaml:"moderation"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Completion CompletionConfig `yaml:"completion"`
	Budget     BudgetConfig     `yaml:"budget"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Routing    RoutingConfig    `yaml:"routing"`
	Flows      FlowsConfig      `yaml:"flows"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPath string `yaml:"metrics_path"`
}

type ModerationConfig struct {
	OpenAI    OpenAIModerationConfig `yaml:"openai"`
	Remote    RemoteModerationConfig `yaml:"remote"`
	Rego      RegoModerationConfig   `yaml:"rego"`
	Injection InjectionConfig        `yaml:"injection"`
	Secrets   SecretsConfig          `yaml:"secrets"`
}

// OpenAIModerationConfig configures the hosted moderation endpoint. Provider
// names an entry in providers.yaml whose base URL and key are reused.
type OpenAIModerationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RemoteModerationConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

type RegoModerationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type InjectionConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BlockThreshold float64 `yaml:"block_threshold"`
}

type SecretsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RetrievalConfig struct {
	Embedding           EmbeddingConfig `yaml:"embedding"`
	Table               string          `yaml:"table"`
	SimilarityThreshold float64         `yaml:"similarity_threshold"`
	MinContentLength    int             `yaml:"min_content_length"`
	MatchLimit          int             `yaml:"match_limit"`
	ContextTokenCap     int             `yaml:"context_token_cap"`
	DefaultSource       string          `yaml:"default_source"`
}

type EmbeddingConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CompletionConfig struct {
	// Transport selects how completions are streamed: "sdk" re-frames
	// provider deltas into plain text, "raw" forwards server-sent events.
	Transport   string  `yaml:"transport"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Exhaustion policies for BudgetConfig.OnExhausted.
const (
	OnExhaustedProceed = "proceed"
	OnExhaustedFail    = "fail"
)

type BudgetConfig struct {
	OnExhausted string `yaml:"on_exhausted"`
}

type RateLimitConfig struct {
	RequestsPerMinute     int `yaml:"requests_per_minute"`
	DailyPromptTokenLimit int `yaml:"daily_prompt_token_limit"`
}

type RoutingConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

// FlowsConfig names the model profile each flow completes against.
type FlowsConfig struct {
	Policy    FlowConfig `yaml:"policy"`
	Query     FlowConfig `yaml:"query"`
	Retrieval FlowConfig `yaml:"retrieval"`
}

type FlowConfig struct {
	Model string `yaml:"model"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     5 * time.Minute,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			MaxBodyBytes:     1 << 20,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "assistant",
			User:            "assistant",
			MaxConns:        10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			PoolSize:  20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPath: "/metrics",
		},
		Moderation: ModerationConfig{
			OpenAI: OpenAIModerationConfig{
				Enabled:  true,
				Provider: "openai",
				Timeout:  10 * time.Second,
			},
			Remote: RemoteModerationConfig{
				Timeout: 5 * time.Second,
			},
			Rego: RegoModerationConfig{
				BundlePath:        "/etc/assistant/policies",
				EvaluationTimeout: 100 * time.Millisecond,
			},
			Injection: InjectionConfig{
				Enabled:        true,
				BlockThreshold: 0.9,
			},
			Secrets: SecretsConfig{Enabled: true},
		},
		Retrieval: RetrievalConfig{
			Embedding: EmbeddingConfig{
				Provider: "openai",
				Model:    "text-embedding-ada-002",
				Timeout:  15 * time.Second,
			},
			Table:               "kb_section",
			SimilarityThreshold: 0.78,
			MinContentLength:    50,
			MatchLimit:          10,
			ContextTokenCap:     1500,
			DefaultSource:       "docs",
		},
		Completion: CompletionConfig{
			Transport:   "sdk",
			Temperature: 0,
			MaxTokens:   1024,
		},
		Budget: BudgetConfig{OnExhausted: OnExhaustedProceed},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:     30,
			DailyPromptTokenLimit: 0,
		},
		Routing: RoutingConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
		Flows: FlowsConfig{
			Policy:    FlowConfig{Model: "gpt-4o-mini"},
			Query:     FlowConfig{Model: "gpt-4o-mini"},
			Retrieval: FlowConfig{Model: "gpt-3.5-turbo"},
		},
	}
}

// Validate checks settings the pipeline cannot run without.
func (c *Config) Validate() error {
	switch c.Completion.Transport {
	case "sdk", "raw":
	default:
		return fmt.Errorf("completion.transport must be sdk or raw, got %q", c.Completion.Transport)
	}
	switch c.Budget.OnExhausted {
	case OnExhaustedProceed, OnExhaustedFail:
	default:
		return fmt.Errorf("budget.on_exhausted must be %s or %s, got %q", OnExhaustedProceed, OnExhaustedFail, c.Budget.OnExhausted)
	}
	if c.Retrieval.ContextTokenCap <= 0 {
		return fmt.Errorf("retrieval.context_token_cap must be positive")
	}
	if c.Retrieval.MatchLimit <= 0 {
		return fmt.Errorf("retrieval.match_limit must be positive")
	}
	if c.Completion.MaxTokens <= 0 {
		return fmt.Errorf("completion.max_tokens must be positive")
	}
	return nil
}
