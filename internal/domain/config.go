package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Policy   PolicyConfig   `json:"policy" yaml:"policy"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds; 0 disables, needed for long streams
	CaseListMax  int    `json:"caseListMax" yaml:"case_list_max"`
}

// PolicyConfig locates the policy specification.
type PolicyConfig struct {
	Path  string `json:"path" yaml:"path"`
	Watch bool   `json:"watch" yaml:"watch"`
}

// LLMConfig configures the justification collaborator.
type LLMConfig struct {
	// Provider is "openai" for any OpenAI-compatible endpoint or "offline".
	Provider    string        `json:"provider" yaml:"provider"`
	BaseURL     string        `json:"baseUrl" yaml:"base_url"`
	APIKey      string        `json:"-" yaml:"api_key"`
	Model       string        `json:"model" yaml:"model"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries  int           `json:"maxRetries" yaml:"max_retries"`
	Temperature float64       `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"maxTokens" yaml:"max_tokens"`
	CacheTTL    time.Duration `json:"cacheTtl" yaml:"cache_ttl"`
	// DebugRaw keeps the raw model output in justification metadata.
	DebugRaw bool `json:"debugRaw" yaml:"debug_raw"`
}

// PipelineConfig holds per-run settings.
type PipelineConfig struct {
	// AuditEnabled writes each policy evaluation to the audit ledger.
	AuditEnabled bool `json:"auditEnabled" yaml:"audit_enabled"`
}

// WorkerConfig controls the asynchronous batch worker.
type WorkerConfig struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns a single-node configuration.
// SQLite, in-memory cache, and Go channels; no external services needed.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 0,
			CaseListMax:  100,
		},
		Policy: PolicyConfig{
			Path:  "./policies/policy_v1.yaml",
			Watch: true,
		},
		LLM: LLMConfig{
			Provider:    "offline",
			BaseURL:     "http://localhost:1234/v1",
			Model:       "local-model",
			Timeout:     20 * time.Second,
			MaxRetries:  2,
			Temperature: 0.2,
			MaxTokens:   700,
			CacheTTL:    time.Hour,
		},
		Pipeline: PipelineConfig{
			AuditEnabled: true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "kestrel",
		},
	}
}

// ClusterConfig returns a configuration backed by PostgreSQL, Redis and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
