package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Auth      AuthConfig      `yaml:"auth"`
	Vercel    VercelConfig    `yaml:"vercel"`
	GitHub    GitHubConfig    `yaml:"github"`
	Agent     AgentConfig     `yaml:"agent"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	PublicURL           string `yaml:"public_url"` // base URL the agent calls back on
	MaxWebhookBodyBytes int64  `yaml:"max_webhook_body_bytes"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

// RedisConfig enables queue wake-up signalling. Empty Addr disables it.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SecretsConfig struct {
	MasterKey string `yaml:"master_key"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	TokenDuration string `yaml:"token_duration"` // e.g. "24h"
}

type VercelConfig struct {
	APIBaseURL     string `yaml:"api_base_url"`
	RequestTimeout string `yaml:"request_timeout"`
}

type GitHubConfig struct {
	APIBaseURL    string `yaml:"api_base_url"` // empty for github.com
	WebhookSecret string `yaml:"webhook_secret"`
}

type AgentConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Provider       string `yaml:"provider"` // recorded on every task
	APIToken       string `yaml:"api_token"`
	CallbackSecret string `yaml:"callback_secret"`
	RequestTimeout string `yaml:"request_timeout"`
}

type PipelineConfig struct {
	MaxStepAttempts      int    `yaml:"max_step_attempts"`
	RetryBaseDelay       string `yaml:"retry_base_delay"`
	RetryMaxDelay        string `yaml:"retry_max_delay"`
	IdempotencyTTL       string `yaml:"idempotency_ttl"`
	PollInterval         string `yaml:"poll_interval"`
	JobLease             string `yaml:"job_lease"`
	StaleAfter           string `yaml:"stale_after"`
	FixConcurrency       int    `yaml:"fix_concurrency"`
	ReviewConcurrency    int    `yaml:"review_concurrency"`
	PRConcurrency        int    `yaml:"pr_concurrency"`
	ScheduledConcurrency int    `yaml:"scheduled_concurrency"`
	RuleMatchMode        string `yaml:"rule_match_mode"` // "substring" or "regex"
	LogTailBytes         int    `yaml:"log_tail_bytes"`
	ReviewBeforePR       bool   `yaml:"review_before_pr"`
}

type StorageConfig struct {
	Driver string   `yaml:"driver"` // "local" or "s3"
	Path   string   `yaml:"path"`   // local filesystem path for archived build logs
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ScanSpec      string `yaml:"scan_spec"`
	ReconcileSpec string `yaml:"reconcile_spec"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("DEPLOYFIX_JWT_SECRET must be set to a non-default value (example: DEPLOYFIX_JWT_SECRET=dev-jwt-secret-change-this)")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("DEPLOYFIX_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
	}
	if strings.TrimSpace(c.Secrets.MasterKey) == "" {
		return fmt.Errorf("DEPLOYFIX_MASTER_KEY must be set to encrypt webhook secrets and access tokens")
	}
	return c.ValidateWorker()
}

// ValidateWorker checks the settings a pipeline worker needs.
func (c *Config) ValidateWorker() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Pipeline.RuleMatchMode {
	case "substring", "regex":
	default:
		return fmt.Errorf("pipeline.rule_match_mode must be substring or regex, got %q", c.Pipeline.RuleMatchMode)
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path must be configured")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.endpoint and storage.s3.bucket must be configured")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	for name, value := range map[string]string{
		"pipeline.retry_base_delay": c.Pipeline.RetryBaseDelay,
		"pipeline.retry_max_delay":  c.Pipeline.RetryMaxDelay,
		"pipeline.idempotency_ttl":  c.Pipeline.IdempotencyTTL,
		"pipeline.poll_interval":    c.Pipeline.PollInterval,
		"pipeline.job_lease":        c.Pipeline.JobLease,
		"pipeline.stale_after":      c.Pipeline.StaleAfter,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                3000,
			PublicURL:           "http://localhost:3000",
			MaxWebhookBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "deployfix.db",
		},
		Redis: RedisConfig{
			KeyPrefix: "deployfix:jobs:",
		},
		Auth: AuthConfig{
			JWTSecret:     "change-me-in-production",
			TokenDuration: "24h",
		},
		Vercel: VercelConfig{
			APIBaseURL:     "https://api.vercel.com",
			RequestTimeout: "30s",
		},
		Agent: AgentConfig{
			Provider:       "coding-agent",
			RequestTimeout: "30s",
		},
		Pipeline: PipelineConfig{
			MaxStepAttempts:      3,
			RetryBaseDelay:       "5s",
			RetryMaxDelay:        "5m",
			IdempotencyTTL:       "24h",
			PollInterval:         "1s",
			JobLease:             "15m",
			StaleAfter:           "2h",
			FixConcurrency:       10,
			ReviewConcurrency:    5,
			PRConcurrency:        5,
			ScheduledConcurrency: 3,
			RuleMatchMode:        "substring",
			LogTailBytes:         64 << 10,
		},
		Storage: StorageConfig{
			Driver: "local",
			Path:   "data/logs",
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			ScanSpec:      "@every 1m",
			ReconcileSpec: "@every 1m",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DEPLOYFIX_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DEPLOYFIX_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DEPLOYFIX_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	if v := os.Getenv("DEPLOYFIX_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DEPLOYFIX_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DEPLOYFIX_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEPLOYFIX_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DEPLOYFIX_MASTER_KEY"); v != "" {
		cfg.Secrets.MasterKey = v
	}
	if v := os.Getenv("DEPLOYFIX_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("DEPLOYFIX_VERCEL_API_URL"); v != "" {
		cfg.Vercel.APIBaseURL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	if v := os.Getenv("DEPLOYFIX_GITHUB_API_URL"); v != "" {
		cfg.GitHub.APIBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEPLOYFIX_GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("DEPLOYFIX_AGENT_ENDPOINT"); v != "" {
		cfg.Agent.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEPLOYFIX_AGENT_PROVIDER"); v != "" {
		cfg.Agent.Provider = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEPLOYFIX_AGENT_API_TOKEN"); v != "" {
		cfg.Agent.APIToken = v
	}
	if v := os.Getenv("DEPLOYFIX_AGENT_CALLBACK_SECRET"); v != "" {
		cfg.Agent.CallbackSecret = v
	}
	if v := os.Getenv("DEPLOYFIX_MAX_STEP_ATTEMPTS"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.Pipeline.MaxStepAttempts = value
		}
	}
	if v := os.Getenv("DEPLOYFIX_FIX_CONCURRENCY"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.Pipeline.FixConcurrency = value
		}
	}
	if v := os.Getenv("DEPLOYFIX_STALE_AFTER"); v != "" {
		cfg.Pipeline.StaleAfter = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEPLOYFIX_RULE_MATCH_MODE"); v != "" {
		cfg.Pipeline.RuleMatchMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DEPLOYFIX_REVIEW_BEFORE_PR"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.ReviewBeforePR = enabled
		}
	}
	if v := os.Getenv("DEPLOYFIX_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DEPLOYFIX_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DEPLOYFIX_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("DEPLOYFIX_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("DEPLOYFIX_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("DEPLOYFIX_S3_SECRET_KEY"); v != "" {
		cfg.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("DEPLOYFIX_S3_USE_SSL"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.S3.UseSSL = enabled
		}
	}
	if v := os.Getenv("DEPLOYFIX_SCHEDULER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Enabled = enabled
		}
	}
}

// Duration parses a configured duration, falling back when the value is
// empty, malformed or not positive.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
