// Package config provides configuration loading for autofix.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and environment variables. See Load and LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Issue webhook action policies.
const (
	PolicyCreationRegression = "creation_regression"
	PolicyAny                = "any"
)

// Config holds the complete autofix configuration.
type Config struct {
	Server        ServerConfig           `koanf:"server"`
	Webhook       WebhookConfig          `koanf:"webhook"`
	Scheduler     SchedulerConfig        `koanf:"scheduler"`
	Agent         AgentConfig            `koanf:"agent"`
	Sentry        SentryConfig           `koanf:"sentry"`
	GitHub        GitHubConfig           `koanf:"github"`
	Store         StoreConfig            `koanf:"store"`
	Events        EventsConfig           `koanf:"events"`
	Observability ObservabilityConfig    `koanf:"observability"`
	Projects      map[string]ProjectSeed `koanf:"projects"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	SSEHeartbeat    time.Duration `koanf:"sse_heartbeat"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	RateLimit       float64       `koanf:"rate_limit"` // webhook requests per second per client IP
	RateBurst       int           `koanf:"rate_burst"`
}

// WebhookConfig holds inbound webhook settings.
type WebhookConfig struct {
	Secret            Secret `koanf:"secret"`
	IssueActionPolicy string `koanf:"issue_action_policy"`
}

// SchedulerConfig bounds remediation work.
type SchedulerConfig struct {
	MaxConcurrent int           `koanf:"max_concurrent"`
	MaxAttempts   int           `koanf:"max_attempts"`
	JobTimeout    time.Duration `koanf:"job_timeout"` // 0 disables the timeout
}

// AgentConfig controls how the remediation agent is invoked.
type AgentConfig struct {
	Path     string   `koanf:"path"`
	Model    string   `koanf:"model"`
	Args     []string `koanf:"args"`
	ReposDir string   `koanf:"repos_dir"`
}

// SentryConfig holds source API credentials used for enrichment.
type SentryConfig struct {
	BaseURL   string        `koanf:"base_url"`
	AuthToken Secret        `koanf:"auth_token"`
	OrgSlug   string        `koanf:"org_slug"`
	Timeout   time.Duration `koanf:"timeout"`
}

// GitHubConfig holds pull request publishing settings.
type GitHubConfig struct {
	Token   Secret `koanf:"token"`
	Label   string `koanf:"label"`
	BaseURL string `koanf:"base_url"` // GitHub Enterprise API root; empty for github.com
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// EventsConfig controls the notification bus.
type EventsConfig struct {
	BufferSize    int    `koanf:"buffer_size"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// ProjectSeed maps a project slug to its remediation target. Seeds are
// inserted at startup without overwriting rows edited through the API.
type ProjectSeed struct {
	Repo      string `koanf:"repo"`
	Branch    string `koanf:"branch"`
	Language  string `koanf:"language"`
	Framework string `koanf:"framework"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: 10 * time.Second,
			SSEHeartbeat:    30 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit:       0,
			RateBurst:       10,
		},
		Webhook: WebhookConfig{
			IssueActionPolicy: PolicyCreationRegression,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 1,
			MaxAttempts:   2,
		},
		Agent: AgentConfig{
			Path:     "claude",
			ReposDir: "/tmp/sentry-autofix-repos",
		},
		Sentry: SentryConfig{
			BaseURL: "https://sentry.io/api/0",
			Timeout: 15 * time.Second,
		},
		GitHub: GitHubConfig{
			Label: "sentry-autofix",
		},
		Store: StoreConfig{
			Path: "./data/sentry-autofix.db",
		},
		Events: EventsConfig{
			BufferSize:    256,
			SubjectPrefix: "autofix.issues",
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "autofix",
			Endpoint:        "localhost:4317",
			LogLevel:        "info",
			LogFormat:       "json",
		},
	}
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SENTRY_CLIENT_SECRET: webhook HMAC secret
//   - HOST, PORT: listen address (default: 0.0.0.0:3000)
//   - DB_PATH: SQLite database path (default: ./data/sentry-autofix.db)
//   - REPOS_DIR: working copy root (default: /tmp/sentry-autofix-repos)
//   - MAX_CONCURRENT_FIXES: concurrent remediation jobs (default: 1)
//   - MAX_ATTEMPTS_PER_ISSUE: attempts before an issue is left alone (default: 2)
//   - JOB_TIMEOUT: per-job deadline, 0 for none (default: 0)
//   - CLAUDE_CODE_PATH, CLAUDE_MODEL: agent binary and model
//   - SENTRY_AUTH_TOKEN, SENTRY_ORG_SLUG, SENTRY_BASE_URL: enrichment API
//   - GITHUB_TOKEN, GITHUB_PR_LABEL, GITHUB_API_URL: pull request publishing
//   - ISSUE_ACTION_POLICY: creation_regression or any
//   - NATS_URL: optional event relay
//   - OTEL_ENABLE, OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT
//   - LOG_LEVEL, LOG_FORMAT
func Load() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

// applyEnv overrides cfg with any well-known environment variables that are set.
func applyEnv(cfg *Config) {
	cfg.Webhook.Secret = Secret(getEnvString("SENTRY_CLIENT_SECRET", cfg.Webhook.Secret.Value()))
	cfg.Webhook.IssueActionPolicy = getEnvString("ISSUE_ACTION_POLICY", cfg.Webhook.IssueActionPolicy)

	cfg.Server.Host = getEnvString("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Scheduler.MaxConcurrent = getEnvInt("MAX_CONCURRENT_FIXES", cfg.Scheduler.MaxConcurrent)
	cfg.Scheduler.MaxAttempts = getEnvInt("MAX_ATTEMPTS_PER_ISSUE", cfg.Scheduler.MaxAttempts)
	cfg.Scheduler.JobTimeout = getEnvDuration("JOB_TIMEOUT", cfg.Scheduler.JobTimeout)

	cfg.Agent.Path = getEnvString("CLAUDE_CODE_PATH", cfg.Agent.Path)
	cfg.Agent.Model = getEnvString("CLAUDE_MODEL", cfg.Agent.Model)
	cfg.Agent.ReposDir = getEnvString("REPOS_DIR", cfg.Agent.ReposDir)

	cfg.Sentry.BaseURL = getEnvString("SENTRY_BASE_URL", cfg.Sentry.BaseURL)
	cfg.Sentry.AuthToken = Secret(getEnvString("SENTRY_AUTH_TOKEN", cfg.Sentry.AuthToken.Value()))
	cfg.Sentry.OrgSlug = getEnvString("SENTRY_ORG_SLUG", cfg.Sentry.OrgSlug)

	cfg.GitHub.Token = Secret(getEnvString("GITHUB_TOKEN", cfg.GitHub.Token.Value()))
	cfg.GitHub.Label = getEnvString("GITHUB_PR_LABEL", cfg.GitHub.Label)
	cfg.GitHub.BaseURL = getEnvString("GITHUB_API_URL", cfg.GitHub.BaseURL)

	cfg.Store.Path = getEnvString("DB_PATH", cfg.Store.Path)
	cfg.Events.NATSURL = getEnvString("NATS_URL", cfg.Events.NATSURL)

	cfg.Observability.EnableTelemetry = getEnvBool("OTEL_ENABLE", cfg.Observability.EnableTelemetry)
	cfg.Observability.ServiceName = getEnvString("OTEL_SERVICE_NAME", cfg.Observability.ServiceName)
	cfg.Observability.Endpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observability.Endpoint)
	cfg.Observability.LogLevel = getEnvString("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = getEnvString("LOG_FORMAT", cfg.Observability.LogFormat)
}

// Validate validates the configuration.
//
// An unset webhook secret is not an error: every webhook is then rejected
// with 401, which the server logs loudly at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent fixes must be >= 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("max attempts per issue must be >= 1, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Scheduler.JobTimeout < 0 {
		return errors.New("job timeout cannot be negative")
	}

	switch c.Webhook.IssueActionPolicy {
	case PolicyCreationRegression, PolicyAny:
	default:
		return fmt.Errorf("issue action policy must be %q or %q, got %q",
			PolicyCreationRegression, PolicyAny, c.Webhook.IssueActionPolicy)
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("database path is required")
	}
	if strings.TrimSpace(c.Agent.ReposDir) == "" {
		return errors.New("repos dir is required")
	}

	for slug, p := range c.Projects {
		if strings.TrimSpace(slug) == "" {
			return errors.New("project seed with empty slug")
		}
		if !strings.Contains(p.Repo, "/") {
			return fmt.Errorf("project %q: repo must be owner/name, got %q", slug, p.Repo)
		}
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
