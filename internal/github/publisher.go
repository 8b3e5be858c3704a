// Package github opens pull requests for pushed remediation branches.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	gh "github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const instrumentationName = "github.com/fyrsmithlabs/autofix/internal/github"

var (
	// ErrNoToken is returned when no GitHub token is configured.
	ErrNoToken = errors.New("github token not set")

	// ErrInvalidRepo is returned for repositories not in owner/name form.
	ErrInvalidRepo = errors.New("repository must be owner/name")
)

// PRRequest describes a pull request for a pushed branch.
type PRRequest struct {
	Repo         string // owner/name
	Branch       string
	BaseBranch   string
	Event        *webhook.ParsedEvent
	ChangedFiles []string
}

// Config configures a Publisher.
type Config struct {
	Token config.Secret
	Label string

	// BaseURL is a GitHub Enterprise API root. Empty means github.com.
	BaseURL string

	LabelColor       string
	LabelDescription string
	Retry            *RetryConfig
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() *Config {
	return &Config{
		Label:            "sentry-autofix",
		LabelColor:       "6f42c1",
		LabelDescription: "Automated fix for a Sentry issue",
		Retry:            DefaultRetryConfig(),
	}
}

// ConfigFrom maps the service configuration onto a publisher Config.
func ConfigFrom(c config.GitHubConfig) *Config {
	cfg := DefaultConfig()
	cfg.Token = c.Token
	cfg.BaseURL = c.BaseURL
	if c.Label != "" {
		cfg.Label = c.Label
	}
	return cfg
}

// Publisher opens pull requests through the GitHub REST API.
type Publisher struct {
	client *gh.Client
	config *Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPublisher creates a Publisher authenticated with cfg.Token.
func NewPublisher(ctx context.Context, cfg *Config, logger *zap.Logger) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var httpClient *http.Client
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return NewPublisherWithClient(client, cfg, logger), nil
}

// NewPublisherWithClient wraps an existing go-github client.
func NewPublisherWithClient(client *gh.Client, cfg *Config, logger *zap.Logger) *Publisher {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.Label == "" {
		cfg.Label = defaults.Label
	}
	if cfg.LabelColor == "" {
		cfg.LabelColor = defaults.LabelColor
	}
	if cfg.LabelDescription == "" {
		cfg.LabelDescription = defaults.LabelDescription
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Label returns the label applied to pull requests.
func (p *Publisher) Label() string {
	return p.config.Label
}

// EnsureLabel creates the pull request label in repo if it is missing.
func (p *Publisher) EnsureLabel(ctx context.Context, repo string) error {
	if !p.config.Token.IsSet() {
		return ErrNoToken
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "github.ensure_label",
		trace.WithAttributes(attribute.String("repo", repo)))
	defer span.End()

	resp, err := withRetry(ctx, p.config.Retry, p.logger, "get label", func() (*gh.Response, error) {
		_, resp, err := p.client.Issues.GetLabel(ctx, owner, name, p.config.Label)
		return resp, err
	})
	if err == nil {
		return nil
	}
	if statusCode(resp) != http.StatusNotFound {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get label")
		return fmt.Errorf("looking up label %q: %w", p.config.Label, err)
	}

	label := &gh.Label{
		Name:        gh.String(p.config.Label),
		Color:       gh.String(p.config.LabelColor),
		Description: gh.String(p.config.LabelDescription),
	}
	resp, err = withRetry(ctx, p.config.Retry, p.logger, "create label", func() (*gh.Response, error) {
		_, resp, err := p.client.Issues.CreateLabel(ctx, owner, name, label)
		return resp, err
	})
	if err != nil {
		// Lost a race with another creator.
		if statusCode(resp) == http.StatusUnprocessableEntity {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "create label")
		return fmt.Errorf("creating label %q: %w", p.config.Label, err)
	}
	p.logger.Info("created label", zap.String("repo", repo), zap.String("label", p.config.Label))
	return nil
}

// CreatePullRequest opens a pull request for req.Branch against
// req.BaseBranch, labels it and returns its HTML URL.
func (p *Publisher) CreatePullRequest(ctx context.Context, req PRRequest) (string, error) {
	if !p.config.Token.IsSet() {
		return "", ErrNoToken
	}
	if req.Event == nil {
		return "", errors.New("pull request has no event")
	}
	owner, name, err := splitRepo(req.Repo)
	if err != nil {
		return "", err
	}

	ctx, span := p.tracer.Start(ctx, "github.create_pull_request",
		trace.WithAttributes(
			attribute.String("repo", req.Repo),
			attribute.String("branch", req.Branch),
			attribute.String("issue.id", req.Event.IssueID),
		))
	defer span.End()

	newPR := &gh.NewPullRequest{
		Title:               gh.String(PullRequestTitle(req.Event)),
		Head:                gh.String(req.Branch),
		Base:                gh.String(req.BaseBranch),
		Body:                gh.String(PullRequestBody(req)),
		MaintainerCanModify: gh.Bool(true),
	}

	var pr *gh.PullRequest
	_, err = withRetry(ctx, p.config.Retry, p.logger, "create pull request", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		pr, resp, err = p.client.PullRequests.Create(ctx, owner, name, newPR)
		return resp, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create pull request")
		return "", fmt.Errorf("creating pull request: %w", err)
	}

	_, err = withRetry(ctx, p.config.Retry, p.logger, "label pull request", func() (*gh.Response, error) {
		_, resp, err := p.client.Issues.AddLabelsToIssue(ctx, owner, name, pr.GetNumber(), []string{p.config.Label})
		return resp, err
	})
	if err != nil {
		// The PR exists; a missing label is not worth failing the job.
		p.logger.Warn("labeling pull request failed",
			zap.String("repo", req.Repo),
			zap.Int("number", pr.GetNumber()),
			zap.Error(err),
		)
	}

	span.SetAttributes(attribute.Int("pr.number", pr.GetNumber()))
	return pr.GetHTMLURL(), nil
}

// PullRequestTitle is the title used for remediation pull requests.
func PullRequestTitle(ev *webhook.ParsedEvent) string {
	title := strings.TrimSpace(ev.Title)
	if len(title) > 200 {
		title = title[:200]
	}
	return "fix: " + title
}

// PullRequestBody renders the pull request description.
func PullRequestBody(req PRRequest) string {
	ev := req.Event

	var b strings.Builder
	b.WriteString("## Automated fix for Sentry issue\n\n")
	fmt.Fprintf(&b, "**Issue:** %s\n", ev.Title)
	if link := ev.WebURL; link != "" {
		fmt.Fprintf(&b, "**Link:** %s\n", link)
	} else {
		fmt.Fprintf(&b, "**Issue ID:** %s\n", ev.IssueID)
	}
	fmt.Fprintf(&b, "**Level:** %s\n", ev.Level)
	if ev.Culprit != "" {
		fmt.Fprintf(&b, "**Culprit:** `%s`\n", ev.Culprit)
	}
	if ev.Count > 0 {
		fmt.Fprintf(&b, "**Events:** %d\n", ev.Count)
	}

	if msg := strings.TrimSpace(ev.Message); msg != "" && msg != ev.Title {
		fmt.Fprintf(&b, "\n### Error\n\n```\n%s\n```\n", msg)
	}

	if len(req.ChangedFiles) > 0 {
		b.WriteString("\n### Changed files\n\n")
		for _, f := range req.ChangedFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}

	b.WriteString("\n---\nThis pull request was generated automatically. Review it carefully before merging.\n")
	return b.String()
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}
	return owner, name, nil
}
