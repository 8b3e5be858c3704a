package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autofix.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("chmod config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `server:
  port: 8088
  sse_heartbeat: 5s
webhook:
  secret: from-file
  issue_action_policy: any
scheduler:
  max_concurrent: 4
  max_attempts: 3
  job_timeout: 30m
sentry:
  org_slug: acme
projects:
  web-frontend:
    repo: acme/web
    branch: main
    language: typescript
    framework: nuxt
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want 8088", cfg.Server.Port)
	}
	if cfg.Server.SSEHeartbeat != 5*time.Second {
		t.Errorf("Server.SSEHeartbeat = %v, want 5s", cfg.Server.SSEHeartbeat)
	}
	if cfg.Webhook.Secret.Value() != "from-file" {
		t.Errorf("Webhook.Secret = %q", cfg.Webhook.Secret.Value())
	}
	if cfg.Scheduler.MaxConcurrent != 4 || cfg.Scheduler.MaxAttempts != 3 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.JobTimeout != 30*time.Minute {
		t.Errorf("Scheduler.JobTimeout = %v", cfg.Scheduler.JobTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Agent.ReposDir != "/tmp/sentry-autofix-repos" {
		t.Errorf("Agent.ReposDir = %q", cfg.Agent.ReposDir)
	}
	seed, ok := cfg.Projects["web-frontend"]
	if !ok {
		t.Fatalf("project seed missing: %+v", cfg.Projects)
	}
	if seed.Repo != "acme/web" || seed.Branch != "main" || seed.Framework != "nuxt" {
		t.Errorf("seed = %+v", seed)
	}
}

func TestLoadWithFile_EnvPrecedence(t *testing.T) {
	path := writeConfig(t, `scheduler:
  max_concurrent: 4
sentry:
  org_slug: from-file
`, 0600)

	t.Setenv("AUTOFIX_SCHEDULER_MAX_CONCURRENT", "6")
	t.Setenv("SENTRY_ORG_SLUG", "from-env")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 6 {
		t.Errorf("MaxConcurrent = %d, want 6 from prefixed env", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Sentry.OrgSlug != "from-env" {
		t.Errorf("OrgSlug = %q, want from-env", cfg.Sentry.OrgSlug)
	}
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
}

func TestLoadWithFile_Rejects(t *testing.T) {
	t.Run("world readable file", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission model differs on windows")
		}
		path := writeConfig(t, "server:\n  port: 8088\n", 0644)
		_, err := LoadWithFile(path)
		if err == nil || !strings.Contains(err.Error(), "insecure config file permissions") {
			t.Fatalf("LoadWithFile() = %v, want permission error", err)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "scheduler:\n  max_attempts: 0\n", 0600)
		_, err := LoadWithFile(path)
		if err == nil || !strings.Contains(err.Error(), "max attempts") {
			t.Fatalf("LoadWithFile() = %v, want validation error", err)
		}
	})

	t.Run("oversized file", func(t *testing.T) {
		path := writeConfig(t, "# "+strings.Repeat("x", maxConfigFileSize)+"\n", 0600)
		_, err := LoadWithFile(path)
		if err == nil || !strings.Contains(err.Error(), "too large") {
			t.Fatalf("LoadWithFile() = %v, want size error", err)
		}
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"AUTOFIX_SCHEDULER_MAX_CONCURRENT": "scheduler.max_concurrent",
		"AUTOFIX_SENTRY_ORG_SLUG":          "sentry.org_slug",
		"AUTOFIX_STORE":                    "store",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
