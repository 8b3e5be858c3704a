package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		validate func(*testing.T, *Config)
	}{
		{
			name: "default values",
			env:  map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 3000 {
					t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
				}
				if cfg.Scheduler.MaxConcurrent != 1 {
					t.Errorf("Scheduler.MaxConcurrent = %d, want 1", cfg.Scheduler.MaxConcurrent)
				}
				if cfg.Scheduler.MaxAttempts != 2 {
					t.Errorf("Scheduler.MaxAttempts = %d, want 2", cfg.Scheduler.MaxAttempts)
				}
				if cfg.Agent.ReposDir != "/tmp/sentry-autofix-repos" {
					t.Errorf("Agent.ReposDir = %q", cfg.Agent.ReposDir)
				}
				if cfg.Sentry.BaseURL != "https://sentry.io/api/0" {
					t.Errorf("Sentry.BaseURL = %q", cfg.Sentry.BaseURL)
				}
				if cfg.Webhook.IssueActionPolicy != PolicyCreationRegression {
					t.Errorf("IssueActionPolicy = %q", cfg.Webhook.IssueActionPolicy)
				}
				if cfg.Webhook.Secret.IsSet() {
					t.Error("Webhook.Secret should be unset by default")
				}
			},
		},
		{
			name: "environment variable overrides",
			env: map[string]string{
				"SENTRY_CLIENT_SECRET":   "shh",
				"PORT":                   "8081",
				"MAX_CONCURRENT_FIXES":   "3",
				"MAX_ATTEMPTS_PER_ISSUE": "5",
				"JOB_TIMEOUT":            "20m",
				"REPOS_DIR":              "/var/lib/autofix",
				"SENTRY_AUTH_TOKEN":      "tok",
				"SENTRY_ORG_SLUG":        "acme",
				"ISSUE_ACTION_POLICY":    "any",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Webhook.Secret.Value() != "shh" {
					t.Errorf("Webhook.Secret = %q, want shh", cfg.Webhook.Secret.Value())
				}
				if cfg.Server.Port != 8081 {
					t.Errorf("Server.Port = %d, want 8081", cfg.Server.Port)
				}
				if cfg.Scheduler.MaxConcurrent != 3 {
					t.Errorf("Scheduler.MaxConcurrent = %d, want 3", cfg.Scheduler.MaxConcurrent)
				}
				if cfg.Scheduler.MaxAttempts != 5 {
					t.Errorf("Scheduler.MaxAttempts = %d, want 5", cfg.Scheduler.MaxAttempts)
				}
				if cfg.Scheduler.JobTimeout != 20*time.Minute {
					t.Errorf("Scheduler.JobTimeout = %v, want 20m", cfg.Scheduler.JobTimeout)
				}
				if cfg.Agent.ReposDir != "/var/lib/autofix" {
					t.Errorf("Agent.ReposDir = %q", cfg.Agent.ReposDir)
				}
				if cfg.Sentry.OrgSlug != "acme" || cfg.Sentry.AuthToken.Value() != "tok" {
					t.Errorf("Sentry = %+v", cfg.Sentry)
				}
				if cfg.Webhook.IssueActionPolicy != PolicyAny {
					t.Errorf("IssueActionPolicy = %q, want any", cfg.Webhook.IssueActionPolicy)
				}
			},
		},
		{
			name: "invalid numbers fall back to defaults",
			env: map[string]string{
				"PORT":                 "not-a-port",
				"MAX_CONCURRENT_FIXES": "many",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 3000 {
					t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
				}
				if cfg.Scheduler.MaxConcurrent != 1 {
					t.Errorf("Scheduler.MaxConcurrent = %d, want 1", cfg.Scheduler.MaxConcurrent)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.validate(t, Load())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Scheduler.MaxConcurrent = 0 },
			wantErr: "max concurrent",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Scheduler.MaxAttempts = 0 },
			wantErr: "max attempts",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Webhook.IssueActionPolicy = "sometimes" },
			wantErr: "issue action policy",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Store.Path = " " },
			wantErr: "database path",
		},
		{
			name: "project seed without owner",
			mutate: func(c *Config) {
				c.Projects = map[string]ProjectSeed{"web": {Repo: "web"}}
			},
			wantErr: "owner/name",
		},
		{
			name: "unset secret is allowed",
			mutate: func(c *Config) {
				c.Webhook.Secret = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSecretNeverRenders(t *testing.T) {
	s := Secret("hunter2")

	if got := fmt.Sprintf("%v %s %#v", s, s, s); strings.Contains(got, "hunter2") {
		t.Errorf("formatted secret leaked: %q", got)
	}

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("json secret leaked: %s", data)
	}
	if s.Value() != "hunter2" {
		t.Errorf("Value() = %q", s.Value())
	}
	if Secret("").String() != "" {
		t.Error("empty secret should render empty")
	}
}
