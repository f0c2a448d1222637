package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsWithoutFile", func(t *testing.T) {
		cfg, err := load("", env(nil))
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("expected port 8080, got %d", cfg.Server.Port)
		}
		if cfg.LLM.Provider != "offline" {
			t.Errorf("expected offline provider, got %s", cfg.LLM.Provider)
		}
		if cfg.Repository.Driver != "sqlite" {
			t.Errorf("expected sqlite driver, got %s", cfg.Repository.Driver)
		}
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := writeFile(t, `
server:
  port: 9090
llm:
  provider: openai
  base_url: http://llm.local/v1
  model: qwen
  timeout: 5s
cache:
  type: none
`)
		cfg, err := load(path, env(nil))
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.LLM.Timeout != 5*time.Second {
			t.Errorf("expected timeout 5s, got %v", cfg.LLM.Timeout)
		}
		if cfg.LLM.MaxRetries != 2 {
			t.Errorf("expected default max_retries 2 to survive, got %d", cfg.LLM.MaxRetries)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("expected default host to survive, got %s", cfg.Server.Host)
		}
		if cfg.Cache.Type != "none" {
			t.Errorf("expected cache none, got %s", cfg.Cache.Type)
		}
	})

	t.Run("EmptyFile", func(t *testing.T) {
		cfg, err := load(writeFile(t, ""), env(nil))
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("expected port 8080, got %d", cfg.Server.Port)
		}
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := load(writeFile(t, "server:\n  prot: 1\n"), env(nil))
		if err == nil {
			t.Fatal("expected error for unknown key")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := load(filepath.Join(t.TempDir(), "nope.yaml"), env(nil)); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		path := writeFile(t, "server:\n  port: 9090\n")
		cfg, err := load(path, env(map[string]string{
			"KESTREL_SERVER_PORT":        "7070",
			"KESTREL_LLM_TIMEOUT":        "3s",
			"KESTREL_POLICY_WATCH":       "false",
			"KESTREL_WORKER_CONCURRENCY": "8",
			"KESTREL_DEBUG":              "true",
		}))
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("expected port 7070, got %d", cfg.Server.Port)
		}
		if cfg.LLM.Timeout != 3*time.Second {
			t.Errorf("expected timeout 3s, got %v", cfg.LLM.Timeout)
		}
		if cfg.Policy.Watch {
			t.Error("expected watch disabled")
		}
		if cfg.Worker.Concurrency != 8 {
			t.Errorf("expected concurrency 8, got %d", cfg.Worker.Concurrency)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug level, got %s", cfg.Logging.Level)
		}
	})

	t.Run("InvalidEnvValues", func(t *testing.T) {
		_, err := load("", env(map[string]string{
			"KESTREL_SERVER_PORT": "eighty",
			"KESTREL_LLM_TIMEOUT": "soon",
		}))
		var verr ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if len(verr.Errors) != 2 {
			t.Errorf("expected 2 errors, got %d: %v", len(verr.Errors), verr)
		}
	})

	t.Run("ClusterProfile", func(t *testing.T) {
		cfg, err := load("", env(map[string]string{"KESTREL_PROFILE": "cluster"}))
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
			t.Errorf("expected cluster backends, got %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("DefaultIsValid", func(t *testing.T) {
		if err := Validate(domain.DefaultConfig()); err != nil {
			t.Errorf("expected default config to be valid, got %v", err)
		}
	})

	t.Run("CollectsAllErrors", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Server.Port = 0
		cfg.LLM.Provider = "bedrock"
		cfg.Repository.Driver = "mysql"
		cfg.Cache.Type = "memcached"
		cfg.EventBus.Type = "kafka"
		cfg.Worker.Concurrency = 0
		cfg.Logging.Level = "loud"

		err := Validate(cfg)
		var verr ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if len(verr.Errors) != 7 {
			t.Errorf("expected 7 errors, got %d: %v", len(verr.Errors), verr)
		}
		if !strings.Contains(err.Error(), "llm.provider") {
			t.Errorf("expected llm.provider in message, got %s", err.Error())
		}
	})

	t.Run("OpenAIRequiresEndpoint", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.LLM.Provider = "openai"
		cfg.LLM.BaseURL = ""
		if err := Validate(cfg); err == nil {
			t.Error("expected error for missing base_url")
		}
	})

	t.Run("RedisRequiresAddr", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Cache.Type = "redis"
		if err := Validate(cfg); err == nil {
			t.Error("expected error for missing redis_addr")
		}
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(domain.LoggingConfig{Level: "info", Format: "json"}, &buf)
		logger.Debug("hidden")
		logger.Info("shown", "case_id", "CASE-1")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Error("expected debug record to be filtered")
		}
		if !strings.Contains(out, `"case_id":"CASE-1"`) {
			t.Errorf("expected JSON attribute, got %s", out)
		}
	})

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogger(domain.LoggingConfig{Level: "debug", Format: "text"}, &buf).Debug("shown")
		if !strings.Contains(buf.String(), "msg=shown") {
			t.Errorf("expected text record, got %s", buf.String())
		}
	})
}
