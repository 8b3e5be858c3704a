package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/autofix/internal/logging"
	"github.com/fyrsmithlabs/autofix/internal/store"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Webhook response actions.
const (
	ActionAccepted = "accepted"
	ActionIgnored  = "ignored"

	ReasonNoProjectMapping = "no_project_mapping"
)

// WebhookResponse is the body returned for every authenticated webhook.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
	IssueID  string `json:"issueId,omitempty"`
}

// handleWebhook runs the intake pipeline: verify, normalize, enrich,
// resolve, audit, submit. Every outcome leaves one audit row, except a
// failed project lookup.
func (s *Server) handleWebhook(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	resource := firstHeader(req, webhook.HeaderResource, webhook.HeaderSentryResource)
	if resource == "" {
		resource = "unknown"
	}

	clientIP := c.RealIP()
	if !s.limiter.Allow(clientIP) {
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", clientIP))
		s.audit(ctx, &store.AuditEntry{Resource: resource, Decision: store.DecisionRejected, Reason: "Rate limit exceeded"})
		return jsonError(c, http.StatusTooManyRequests, "Rate limit exceeded")
	}

	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.config.MaxBodyBytes)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.audit(ctx, &store.AuditEntry{Resource: resource, Decision: store.DecisionRejected, Reason: "Body too large"})
			return jsonError(c, http.StatusRequestEntityTooLarge, "Body too large")
		}
		s.logger.Warn(ctx, "reading webhook body failed", zap.String("resource", resource), zap.Error(err))
		s.audit(ctx, &store.AuditEntry{Resource: resource, Decision: store.DecisionRejected, Reason: "Unreadable body"})
		return jsonError(c, http.StatusBadRequest, "Unreadable body")
	}
	if len(body) == 0 {
		s.audit(ctx, &store.AuditEntry{Resource: resource, Decision: store.DecisionRejected, Reason: "Empty body"})
		return jsonError(c, http.StatusBadRequest, "Empty body")
	}

	signature := firstHeader(req, webhook.HeaderSignature, webhook.HeaderSentrySignature)
	if err := s.verifier.Verify(body, signature); err != nil {
		s.logger.Warn(ctx, "webhook rejected", zap.String("resource", resource), zap.Error(err))
		s.audit(ctx, &store.AuditEntry{Resource: resource, Decision: store.DecisionRejected, Reason: err.Error()})
		return jsonError(c, http.StatusUnauthorized, "Invalid signature")
	}

	result, err := s.normalizer.Normalize(resource, body)
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook payload", zap.String("resource", resource), zap.Error(err))
		s.audit(ctx, &store.AuditEntry{Resource: resource, Decision: store.DecisionRejected, Reason: err.Error()})
		return jsonError(c, http.StatusBadRequest, "Invalid payload")
	}

	s.logger.Info(ctx, "webhook received",
		zap.String("resource", result.Resource),
		zap.String("action", result.Action))

	if result.Kind != webhook.Actionable {
		s.audit(ctx, &store.AuditEntry{
			Resource: result.Resource,
			Action:   result.Action,
			Decision: store.DecisionIgnored,
			Reason:   result.Reason,
		})
		return c.JSON(http.StatusOK, WebhookResponse{Received: true, Action: ActionIgnored})
	}

	ev := result.Event
	ctx = logging.WithProject(logging.WithIssueID(ctx, ev.IssueID), ev.ProjectSlug)
	s.enricher.Enrich(ctx, ev)

	entry := &store.AuditEntry{
		Resource:    result.Resource,
		Action:      result.Action,
		IssueID:     ev.IssueID,
		IssueTitle:  ev.Title,
		ProjectSlug: ev.ProjectSlug,
	}

	project, err := s.store.ResolveProject(ctx, ev.ProjectSlug)
	if err != nil {
		s.logger.Error(ctx, "project lookup failed", zap.Error(err))
		return jsonError(c, http.StatusInternalServerError, "Project lookup failed")
	}
	if project == nil {
		entry.Decision = store.DecisionIgnored
		entry.Reason = fmt.Sprintf("No project mapping found for %q", ev.ProjectSlug)
		s.audit(ctx, entry)
		return c.JSON(http.StatusOK, WebhookResponse{
			Received: true,
			Action:   ActionIgnored,
			Reason:   ReasonNoProjectMapping,
		})
	}

	entry.Decision = store.DecisionAccepted
	s.audit(ctx, entry)

	// Submission errors do not change the reply; the audit row already
	// records acceptance and the scheduler logs the failure.
	decision, err := s.scheduler.Submit(context.WithoutCancel(ctx), ev, project)
	if err != nil {
		s.logger.Error(ctx, "submit failed", zap.Error(err))
	} else {
		s.logger.Debug(ctx, "issue submitted", zap.String("decision", string(decision)))
	}

	return c.JSON(http.StatusOK, WebhookResponse{
		Received: true,
		Action:   ActionAccepted,
		IssueID:  ev.IssueID,
	})
}

func (s *Server) audit(ctx context.Context, entry *store.AuditEntry) {
	if err := s.store.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn(ctx, "audit write failed", zap.String("decision", entry.Decision), zap.Error(err))
	}
}

func firstHeader(req *http.Request, names ...string) string {
	for _, name := range names {
		if v := req.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
