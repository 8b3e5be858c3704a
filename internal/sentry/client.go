// Package sentry fetches event details from the Sentry REST API to fill in
// webhook payloads that arrive without a stack trace.
package sentry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/autofix/internal/sentry"

// maxResponseBytes caps how much of an event response is read.
const maxResponseBytes = 8 << 20

var (
	// ErrNoCredentials means the auth token or organization is not configured.
	ErrNoCredentials = errors.New("sentry credentials not configured")

	// ErrUnexpectedStatus is wrapped when the API answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Enrichment is the subset of the latest event merged into a ParsedEvent.
type Enrichment struct {
	EventID    string
	Platform   string
	Culprit    string
	Stacktrace []webhook.Exception
	Tags       []webhook.Tag
	Request    json.RawMessage
	User       json.RawMessage
	Contexts   json.RawMessage
}

// Config configures the client.
type Config struct {
	BaseURL   string
	AuthToken config.Secret
	OrgSlug   string
	Timeout   time.Duration
}

// ConfigFrom adapts the application configuration.
func ConfigFrom(cfg config.SentryConfig) *Config {
	return &Config{
		BaseURL:   cfg.BaseURL,
		AuthToken: cfg.AuthToken,
		OrgSlug:   cfg.OrgSlug,
		Timeout:   cfg.Timeout,
	}
}

// Client talks to the Sentry REST API.
type Client struct {
	config *Config
	http   *http.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClient creates a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg *Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://sentry.io/api/0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: cfg,
		http:   httpClient,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Configured reports whether enrichment can run.
func (c *Client) Configured() bool {
	return c.config.AuthToken.IsSet() && c.config.OrgSlug != ""
}

// FetchLatestEvent retrieves the most recent event recorded for issueID.
func (c *Client) FetchLatestEvent(ctx context.Context, issueID string) (*Enrichment, error) {
	ctx, span := c.tracer.Start(ctx, "sentry.fetch_latest_event")
	defer span.End()
	span.SetAttributes(attribute.String("issue.id", issueID))

	if !c.Configured() {
		return nil, ErrNoCredentials
	}

	endpoint := fmt.Sprintf("%s/issues/%s/events/latest/",
		strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(issueID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AuthToken.Value())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("fetching latest event: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	var ev latestEvent
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, fmt.Errorf("decoding latest event: %w", err)
	}

	return ev.enrichment(), nil
}

// Enrich merges the latest event into ev when it has no stack trace. Every
// failure is logged and leaves ev untouched.
func (c *Client) Enrich(ctx context.Context, ev *webhook.ParsedEvent) {
	if ev == nil || ev.HasStacktrace() {
		return
	}
	if !c.Configured() {
		c.logger.Debug("enrichment skipped, credentials not configured",
			zap.String("issue_id", ev.IssueID))
		return
	}

	c.logger.Info("fetching latest event", zap.String("issue_id", ev.IssueID))
	enr, err := c.FetchLatestEvent(ctx, ev.IssueID)
	if err != nil {
		c.logger.Warn("enrichment failed",
			zap.String("issue_id", ev.IssueID),
			zap.Error(err))
		return
	}
	Merge(ev, enr)
}

// Merge copies non-empty enrichment fields onto ev.
func Merge(ev *webhook.ParsedEvent, enr *Enrichment) {
	if ev == nil || enr == nil {
		return
	}
	if enr.EventID != "" {
		ev.EventID = enr.EventID
	}
	if enr.Platform != "" {
		ev.Platform = enr.Platform
	}
	if enr.Culprit != "" {
		ev.Culprit = enr.Culprit
	}
	if len(enr.Stacktrace) > 0 {
		ev.Stacktrace = enr.Stacktrace
	}
	if len(enr.Tags) > 0 {
		ev.Tags = enr.Tags
	}
	if enr.Request != nil {
		ev.Request = enr.Request
	}
	if enr.User != nil {
		ev.User = enr.User
	}
	if enr.Contexts != nil {
		ev.Contexts = enr.Contexts
	}
}
