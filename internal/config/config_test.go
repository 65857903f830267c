package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Pipeline.FixConcurrency != 10 || cfg.Pipeline.ReviewConcurrency != 5 || cfg.Pipeline.PRConcurrency != 5 || cfg.Pipeline.ScheduledConcurrency != 3 {
		t.Fatalf("unexpected concurrency defaults %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.MaxStepAttempts != 3 {
		t.Fatalf("Pipeline.MaxStepAttempts = %d, want 3", cfg.Pipeline.MaxStepAttempts)
	}
	if cfg.Pipeline.RuleMatchMode != "substring" {
		t.Fatalf("Pipeline.RuleMatchMode = %q, want substring", cfg.Pipeline.RuleMatchMode)
	}
	if Duration(cfg.Pipeline.StaleAfter, 0) != 2*time.Hour {
		t.Fatalf("Pipeline.StaleAfter = %q, want 2h", cfg.Pipeline.StaleAfter)
	}
	if Duration(cfg.Pipeline.IdempotencyTTL, 0) != 24*time.Hour {
		t.Fatalf("Pipeline.IdempotencyTTL = %q, want 24h", cfg.Pipeline.IdempotencyTTL)
	}
	if cfg.Redis.Addr != "" {
		t.Fatalf("Redis.Addr = %q, want disabled by default", cfg.Redis.Addr)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("DEPLOYFIX_HOST", "127.0.0.1")
	t.Setenv("DEPLOYFIX_PORT", "4000")
	t.Setenv("DEPLOYFIX_PUBLIC_URL", "https://fix.example.com/")
	t.Setenv("DEPLOYFIX_DB_DRIVER", "postgres")
	t.Setenv("DEPLOYFIX_DB_DSN", "postgres://example")
	t.Setenv("DEPLOYFIX_REDIS_ADDR", "localhost:6379")
	t.Setenv("DEPLOYFIX_MASTER_KEY", "master")
	t.Setenv("DEPLOYFIX_JWT_SECRET", "unit-test-secret-123")
	t.Setenv("DEPLOYFIX_AGENT_ENDPOINT", "http://agent:8080")
	t.Setenv("DEPLOYFIX_FIX_CONCURRENCY", "4")
	t.Setenv("DEPLOYFIX_RULE_MATCH_MODE", "REGEX")
	t.Setenv("DEPLOYFIX_STORAGE_DRIVER", "s3")
	t.Setenv("DEPLOYFIX_S3_USE_SSL", "true")
	t.Setenv("DEPLOYFIX_REVIEW_BEFORE_PR", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:4000" {
		t.Fatalf("Addr() = %q, want 127.0.0.1:4000", cfg.Addr())
	}
	if cfg.Server.PublicURL != "https://fix.example.com" {
		t.Fatalf("Server.PublicURL = %q, want trailing slash trimmed", cfg.Server.PublicURL)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://example" {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Secrets.MasterKey != "master" || cfg.Auth.JWTSecret != "unit-test-secret-123" {
		t.Fatal("secret overrides not applied")
	}
	if cfg.Agent.Endpoint != "http://agent:8080" {
		t.Fatalf("Agent.Endpoint = %q", cfg.Agent.Endpoint)
	}
	if cfg.Pipeline.FixConcurrency != 4 {
		t.Fatalf("Pipeline.FixConcurrency = %d, want 4", cfg.Pipeline.FixConcurrency)
	}
	if cfg.Pipeline.RuleMatchMode != "regex" {
		t.Fatalf("Pipeline.RuleMatchMode = %q, want regex", cfg.Pipeline.RuleMatchMode)
	}
	if cfg.Storage.Driver != "s3" || !cfg.Storage.S3.UseSSL {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	if !cfg.Pipeline.ReviewBeforePR {
		t.Fatal("Pipeline.ReviewBeforePR = false, want true")
	}
}

func TestLoadInvalidEnvValuesDoNotOverrideDefaults(t *testing.T) {
	t.Setenv("DEPLOYFIX_PORT", "not-a-port")
	t.Setenv("DEPLOYFIX_FIX_CONCURRENCY", "-2")
	t.Setenv("DEPLOYFIX_SCHEDULER_ENABLED", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("Server.Port = %d, want default", cfg.Server.Port)
	}
	if cfg.Pipeline.FixConcurrency != 10 {
		t.Fatalf("Pipeline.FixConcurrency = %d, want default", cfg.Pipeline.FixConcurrency)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatal("Scheduler.Enabled = false, want default true")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployfix.yaml")
	data := []byte(`
server:
  port: 8080
pipeline:
  stale_after: 30m
  review_concurrency: 2
storage:
  driver: s3
  s3:
    endpoint: minio:9000
    bucket: build-logs
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if Duration(cfg.Pipeline.StaleAfter, 0) != 30*time.Minute {
		t.Fatalf("Pipeline.StaleAfter = %q, want 30m", cfg.Pipeline.StaleAfter)
	}
	if cfg.Pipeline.ReviewConcurrency != 2 || cfg.Pipeline.FixConcurrency != 10 {
		t.Fatalf("unexpected pipeline config %+v", cfg.Pipeline)
	}
	if cfg.Storage.S3.Bucket != "build-logs" {
		t.Fatalf("Storage.S3.Bucket = %q", cfg.Storage.S3.Bucket)
	}
}

func TestLoadReadAndParseErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidateServe(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected default JWT secret to be rejected")
	}

	cfg.Auth.JWTSecret = "short"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected short JWT secret to be rejected")
	}

	cfg.Auth.JWTSecret = "a-long-enough-jwt-secret"
	if err := cfg.ValidateServe(); err == nil || !strings.Contains(err.Error(), "DEPLOYFIX_MASTER_KEY") {
		t.Fatalf("expected missing master key error, got %v", err)
	}

	cfg.Secrets.MasterKey = "master"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("ValidateServe: %v", err)
	}

	cfg.Pipeline.RuleMatchMode = "glob"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected invalid rule match mode to be rejected")
	}
	cfg.Pipeline.RuleMatchMode = "regex"

	cfg.Pipeline.StaleAfter = "soon"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected invalid duration to be rejected")
	}
	cfg.Pipeline.StaleAfter = "2h"

	cfg.Storage.Driver = "s3"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected s3 without bucket to be rejected")
	}
}

func TestDurationFallback(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Fatalf("Duration(empty) = %v", got)
	}
	if got := Duration("-5s", time.Second); got != time.Second {
		t.Fatalf("Duration(negative) = %v", got)
	}
	if got := Duration("90s", time.Second); got != 90*time.Second {
		t.Fatalf("Duration(90s) = %v", got)
	}
}
