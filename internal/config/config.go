// Package config loads the Kestrel configuration.
//
// Loading starts from domain.DefaultConfig (or domain.ClusterConfig when
// KESTREL_PROFILE=cluster), decodes the YAML file over it, applies
// KESTREL_* environment overrides and validates the result. Fields absent
// from the file keep their defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "kestrel.yaml"

// Load builds the configuration from path and the process environment.
// An empty path falls back to DefaultPath when present.
func Load(path string) (*domain.Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if profile, _ := lookup("KESTREL_PROFILE"); profile == "cluster" {
		cfg = domain.ClusterConfig()
	}

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, lookup); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals YAML over cfg, rejecting unknown keys.
func decode(data []byte, cfg *domain.Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides applies KESTREL_SECTION_FIELD variables. Values that
// do not parse are reported together.
func applyEnvOverrides(cfg *domain.Config, lookup func(string) (string, bool)) error {
	var errs []FieldError

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("invalid integer %q", v)})
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("invalid boolean %q", v)})
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("invalid duration %q", v)})
				return
			}
			*dst = d
		}
	}

	str("KESTREL_SERVER_HOST", &cfg.Server.Host)
	integer("KESTREL_SERVER_PORT", &cfg.Server.Port)

	str("KESTREL_POLICY_PATH", &cfg.Policy.Path)
	boolean("KESTREL_POLICY_WATCH", &cfg.Policy.Watch)

	str("KESTREL_LLM_PROVIDER", &cfg.LLM.Provider)
	str("KESTREL_LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("KESTREL_LLM_API_KEY", &cfg.LLM.APIKey)
	str("KESTREL_LLM_MODEL", &cfg.LLM.Model)
	duration("KESTREL_LLM_TIMEOUT", &cfg.LLM.Timeout)
	integer("KESTREL_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)
	boolean("KESTREL_LLM_DEBUG_RAW", &cfg.LLM.DebugRaw)

	boolean("KESTREL_PIPELINE_AUDIT_ENABLED", &cfg.Pipeline.AuditEnabled)

	str("KESTREL_REPOSITORY_DRIVER", &cfg.Repository.Driver)
	str("KESTREL_REPOSITORY_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("KESTREL_REPOSITORY_POSTGRES_URL", &cfg.Repository.PostgresURL)
	str("KESTREL_REPOSITORY_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)

	str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	str("KESTREL_CACHE_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("KESTREL_CACHE_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	str("KESTREL_EVENT_BUS_TYPE", &cfg.EventBus.Type)
	str("KESTREL_EVENT_BUS_NATS_URL", &cfg.EventBus.NATSUrl)
	str("KESTREL_EVENT_BUS_NATS_TOKEN", &cfg.EventBus.NATSToken)

	integer("KESTREL_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)

	str("KESTREL_LOGGING_LEVEL", &cfg.Logging.Level)
	str("KESTREL_LOGGING_FORMAT", &cfg.Logging.Format)
	boolean("KESTREL_TRACING_ENABLED", &cfg.Tracing.Enabled)
	boolean("KESTREL_METRICS_ENABLED", &cfg.Metrics.Enabled)

	var debug bool
	boolean("KESTREL_DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

// FieldError is a problem with one configuration field.
type FieldError struct {
	// Field is the dotted path or environment variable name.
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks the configuration and reports all problems at once.
func Validate(cfg *domain.Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.CaseListMax < 1 {
		add("server.case_list_max", "must be at least 1")
	}

	if strings.TrimSpace(cfg.Policy.Path) == "" {
		add("policy.path", "is required")
	}

	switch cfg.LLM.Provider {
	case "offline":
	case "openai":
		if cfg.LLM.BaseURL == "" {
			add("llm.base_url", "is required for the openai provider")
		}
		if cfg.LLM.Model == "" {
			add("llm.model", "is required for the openai provider")
		}
	default:
		add("llm.provider", "must be one of openai, offline; got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout <= 0 {
		add("llm.timeout", "must be positive")
	}
	if cfg.LLM.MaxRetries < 0 {
		add("llm.max_retries", "must not be negative")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add("llm.temperature", "must be between 0 and 2")
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			add("repository.sqlite_path", "is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Repository.PostgresURL == "" && cfg.Repository.PostgresHost == "" {
			add("repository.postgres_host", "postgres_url or postgres_host is required for the postgres driver")
		}
	default:
		add("repository.driver", "must be one of sqlite, postgres; got %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "none", "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			add("cache.redis_addr", "is required for the redis cache")
		}
	default:
		add("cache.type", "must be one of none, memory, redis; got %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		add("event_bus.type", "must be one of channel, nats; got %q", cfg.EventBus.Type)
	}

	if cfg.Worker.Concurrency < 1 {
		add("worker.concurrency", "must be at least 1")
	}

	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		add("logging.format", "must be one of json, text; got %q", cfg.Logging.Format)
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
