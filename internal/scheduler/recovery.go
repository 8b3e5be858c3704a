package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/events"
	"github.com/fyrsmithlabs/autofix/internal/store"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Retry gives an issue one more attempt: it is reset to pending with one
// attempt returned, its event is rebuilt from durable state and resubmitted.
// Issues that are queued or running are rejected with ErrAlreadyRunning and
// left untouched.
func (s *Scheduler) Retry(ctx context.Context, issueID string) error {
	if err := s.usable(); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.retry")
	defer span.End()
	span.SetAttributes(attribute.String("issue.id", issueID))

	issue, err := s.deps.Store.GetIssue(ctx, issueID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	project, err := s.deps.Store.ResolveProject(ctx, issue.SentryProject)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if project == nil {
		return fmt.Errorf("%w for %q", ErrNoProjectMapping, issue.SentryProject)
	}

	// Holding the claim keeps webhooks and other retries out until the
	// resubmitted job finishes.
	claimed, err := s.deps.Store.ClaimDispatch(ctx, issueID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, issueID)
	}
	if issue, err = s.deps.Store.GetIssue(ctx, issueID); err != nil {
		s.releaseClaim(issueID)
		span.RecordError(err)
		return err
	}
	if issue.Status == store.StatusInProgress {
		s.releaseClaim(issueID)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, issueID)
	}

	if err := s.deps.Store.ResetIssue(ctx, issueID); err != nil {
		s.releaseClaim(issueID)
		span.RecordError(err)
		return err
	}
	s.deps.Bus.Broadcast(issueID, events.StatusChanged(issueID, string(store.StatusPending), ""))
	s.appendLog(ctx, issueID, store.SourceSystem, "Manual retry requested.")

	issue.Status = store.StatusPending
	issue.Attempts = max(issue.Attempts-1, 0)
	decision := DecisionSkipped
	if s.ShouldAttempt(issue) {
		ev := eventFromIssue(issue)
		s.enrich(ctx, ev)
		if decision, err = s.enqueue(ev, project); err != nil {
			span.RecordError(err)
			return err
		}
	} else {
		s.releaseClaim(issueID)
	}
	s.countSubmission(ctx, decision)
	s.logger.Info("manual retry submitted",
		zap.String("issue_id", issueID),
		zap.String("decision", string(decision)))
	return nil
}

// ReleaseStaleClaims drops dispatch claims left by a previous process. It
// must run before the first Submit.
func (s *Scheduler) ReleaseStaleClaims(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	n, err := s.deps.Store.ReleaseAllClaims(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("released stale dispatch claims", zap.Int64("count", n))
	}
	return nil
}

// Recover resubmits every issue left in_progress by a previous process and
// returns how many were resubmitted.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.recover")
	defer span.End()

	stuck, err := s.deps.Store.StuckIssues(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	s.logger.Info("recovering stuck issues", zap.Int("count", len(stuck)))

	resubmitted := 0
	for i := range stuck {
		issue := &stuck[i]
		id := issue.SentryIssueID

		// A lookup failure must leave the issue in_progress for the next start.
		project, err := s.deps.Store.ResolveProject(ctx, issue.SentryProject)
		if err != nil {
			s.logger.Error("resolving project failed", zap.String("issue_id", id), zap.Error(err))
			continue
		}

		if err := s.deps.Store.ResetIssue(ctx, id); err != nil {
			s.logger.Error("resetting stuck issue failed", zap.String("issue_id", id), zap.Error(err))
			continue
		}
		s.appendLog(ctx, id, store.SourceSystem, "Issue was stuck in_progress after restart, retrying.")

		if project == nil {
			if err := s.setStatus(ctx, id, store.StatusError, ""); err != nil {
				s.logger.Error("marking unmapped issue failed", zap.String("issue_id", id), zap.Error(err))
			}
			s.appendLog(ctx, id, store.SourceError, fmt.Sprintf("No project mapping found for %q", issue.SentryProject))
			continue
		}

		ev := eventFromIssue(issue)
		s.enrich(ctx, ev)
		decision, err := s.Submit(ctx, ev, project)
		if err != nil {
			s.logger.Error("resubmitting stuck issue failed", zap.String("issue_id", id), zap.Error(err))
			continue
		}
		if decision == DecisionDispatched || decision == DecisionQueued {
			resubmitted++
		}
	}

	span.SetAttributes(attribute.Int("resubmitted", resubmitted))
	return resubmitted, nil
}

func (s *Scheduler) enrich(ctx context.Context, ev *webhook.ParsedEvent) {
	if s.deps.Enricher != nil {
		s.deps.Enricher.Enrich(ctx, ev)
	}
}

// eventFromIssue rebuilds the canonical event from an issue's durable fields.
func eventFromIssue(issue *store.Issue) *webhook.ParsedEvent {
	msg := issue.ErrorMessage
	if msg == "" {
		msg = issue.Title
	}
	level := issue.Level
	if level == "" {
		level = "error"
	}

	ev := &webhook.ParsedEvent{
		IssueID:     issue.SentryIssueID,
		ProjectSlug: issue.SentryProject,
		Title:       issue.Title,
		Level:       level,
		Message:     msg,
		Stacktrace:  []webhook.Exception{},
		Tags:        []webhook.Tag{},
	}
	if issue.FirstSeenAt != nil {
		ev.FirstSeen = issue.FirstSeenAt.UTC().Format(time.RFC3339)
	}
	return ev
}
