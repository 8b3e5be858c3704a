// Package fixer prepares a working copy of a project repository, runs the
// remediation agent inside it and pushes the resulting branch.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/autofix/internal/fixer"

// LogFunc receives progress lines tagged with a source.
type LogFunc func(source, message string)

// Request describes one remediation attempt.
type Request struct {
	Event      *webhook.ParsedEvent
	Repo       string // owner/name
	BaseBranch string
	Language   string
	Framework  string
}

// Result is the outcome of a remediation attempt. Success false is a normal
// outcome, not an error.
type Result struct {
	Success      bool
	Reason       string
	Branch       string
	CommitHash   string
	ChangedFiles []string
}

// Executor runs remediation attempts.
type Executor interface {
	Fix(ctx context.Context, req Request, onLog LogFunc) (*Result, error)
}

// Config configures a Fixer.
type Config struct {
	ReposDir     string
	GitHubToken  config.Secret
	AuthorName   string
	AuthorEmail  string
	BranchPrefix string

	// RemoteURL maps owner/name to a clone URL. Defaults to github.com over HTTPS.
	RemoteURL func(repo string) string
}

// DefaultConfig returns defaults for fields Config leaves empty.
func DefaultConfig() *Config {
	return &Config{
		ReposDir:     "/tmp/sentry-autofix-repos",
		AuthorName:   "Sentry Autofix",
		AuthorEmail:  "autofix@users.noreply.github.com",
		BranchPrefix: "sentry-autofix",
		RemoteURL:    GitHubRemoteURL,
	}
}

// GitHubRemoteURL returns the HTTPS clone URL for owner/name on github.com.
func GitHubRemoteURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s.git", repo)
}

// Fixer is the default Executor.
type Fixer struct {
	config *Config
	agent  Agent
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	// One slot per working copy, held from checkout through push.
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates a Fixer running agent.
func New(cfg *Config, agent Agent, logger *zap.Logger) (*Fixer, error) {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if agent == nil {
		return nil, errors.New("agent is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReposDir == "" {
		cfg.ReposDir = defaults.ReposDir
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = defaults.AuthorName
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = defaults.AuthorEmail
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = defaults.BranchPrefix
	}
	if cfg.RemoteURL == nil {
		cfg.RemoteURL = defaults.RemoteURL
	}

	return &Fixer{
		config: cfg,
		agent:  agent,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
		slots:  make(map[string]chan struct{}),
	}, nil
}

// Fix clones or refreshes the repository, runs the agent on a fresh branch
// and pushes it when the agent changed files.
func (f *Fixer) Fix(ctx context.Context, req Request, onLog LogFunc) (*Result, error) {
	if req.Event == nil {
		return nil, errors.New("request has no event")
	}
	if onLog == nil {
		onLog = func(string, string) {}
	}

	ctx, span := f.tracer.Start(ctx, "fixer.fix")
	defer span.End()
	span.SetAttributes(
		attribute.String("issue.id", req.Event.IssueID),
		attribute.String("repo", req.Repo),
	)

	if err := os.MkdirAll(f.config.ReposDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating repos dir: %w", err)
	}

	dir := filepath.Join(f.config.ReposDir, strings.ReplaceAll(req.Repo, "/", "__"))
	release, err := f.acquire(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("waiting for working copy of %s: %w", req.Repo, err)
	}
	defer release()
	onLog("system", fmt.Sprintf("Preparing working copy of %s (%s)", req.Repo, req.BaseBranch))

	ws, err := openWorkspace(ctx, dir, f.config.RemoteURL(req.Repo), f.config.GitHubToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "workspace")
		return nil, err
	}

	branch := fmt.Sprintf("%s/%s-%d", f.config.BranchPrefix, sanitizeRef(req.Event.IssueID), f.now().Unix())
	if err := ws.checkoutFresh(req.BaseBranch, branch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout")
		return nil, err
	}
	onLog("system", fmt.Sprintf("Created branch %s", branch))

	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	onLog("system", "Running remediation agent...")
	if err := f.agent.Run(ctx, dir, prompt, func(line string) { onLog("agent", line) }); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent interrupted: %w", ctx.Err())
		}
		f.logger.Info("agent run failed", zap.String("issue_id", req.Event.IssueID), zap.Error(err))
		return &Result{Success: false, Reason: fmt.Sprintf("agent exited with error: %v", err)}, nil
	}

	changed, err := ws.changedFiles()
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return &Result{Success: false, Reason: "agent made no changes"}, nil
	}
	onLog("system", fmt.Sprintf("Agent changed %d file(s): %s", len(changed), strings.Join(changed, ", ")))

	msg := fmt.Sprintf("fix: %s\n\nAutomated fix for Sentry issue %s.", req.Event.Title, req.Event.IssueID)
	hash, err := ws.commitAll(msg, f.config.AuthorName, f.config.AuthorEmail, f.now())
	if err != nil {
		return nil, err
	}

	if err := ws.push(ctx, branch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push")
		return nil, err
	}
	onLog("github", fmt.Sprintf("Pushed %s", branch))

	return &Result{
		Success:      true,
		Branch:       branch,
		CommitHash:   hash,
		ChangedFiles: changed,
	}, nil
}

// acquire waits for exclusive use of the working copy at dir.
func (f *Fixer) acquire(ctx context.Context, dir string) (func(), error) {
	f.mu.Lock()
	slot, ok := f.slots[dir]
	if !ok {
		slot = make(chan struct{}, 1)
		f.slots[dir] = slot
	}
	f.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sanitizeRef(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}
