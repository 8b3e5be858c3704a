package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/events"
	"github.com/fyrsmithlabs/autofix/internal/fixer"
	"github.com/fyrsmithlabs/autofix/internal/github"
	"github.com/fyrsmithlabs/autofix/internal/store"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Job outcomes recorded in metrics.
const (
	outcomePROpen      = "pr_open"
	outcomeFailed      = "failed"
	outcomeError       = "error"
	outcomeInterrupted = "interrupted"
)

func (s *Scheduler) run(j job) {
	defer s.wg.Done()
	defer s.onJobComplete()
	defer s.releaseClaim(j.event.IssueID)

	id := j.event.IssueID
	ctx := s.ctx
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.job", trace.WithAttributes(
		attribute.String("issue.id", id),
		attribute.String("project.slug", j.project.Slug),
		attribute.String("repo", j.project.Repo),
	))
	defer span.End()

	start := time.Now()
	outcome := outcomeError
	defer func() {
		if r := recover(); r != nil {
			err := jobError(StagePanic, id, fmt.Errorf("panic: %v", r))
			outcome = s.fail(ctx, id, err)
		}
		if outcome == outcomeError {
			span.SetStatus(codes.Error, "job failed")
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		s.recordOutcome(ctx, outcome, time.Since(start))
		s.logger.Info("job finished",
			zap.String("issue_id", id),
			zap.String("outcome", outcome),
			zap.Duration("duration", time.Since(start)))
	}()

	outcome = s.process(ctx, j)
}

// process runs the per-job state machine and returns the outcome.
func (s *Scheduler) process(ctx context.Context, j job) string {
	ev := j.event
	id := ev.IssueID

	_, err := s.deps.Store.UpsertIssue(ctx, store.NewIssue{
		SentryIssueID: id,
		SentryProject: ev.ProjectSlug,
		Repo:          j.project.Repo,
		Title:         ev.Title,
		Level:         ev.Level,
		ErrorMessage:  ev.Message,
		FirstSeenAt:   firstSeen(ev),
	})
	if err != nil {
		return s.fail(ctx, id, jobError(StageUpsert, id, err))
	}
	if err := s.deps.Store.IncrementAttempts(ctx, id); err != nil {
		return s.fail(ctx, id, jobError(StageStatus, id, err))
	}
	if err := s.setStatus(ctx, id, store.StatusInProgress, ""); err != nil {
		return s.fail(ctx, id, jobError(StageStatus, id, err))
	}
	s.appendLog(ctx, id, store.SourceSystem, "Processing issue: "+ev.Title)

	result, err := s.deps.Executor.Fix(ctx, fixer.Request{
		Event:      ev,
		Repo:       j.project.Repo,
		BaseBranch: j.project.Branch,
		Language:   j.project.Language,
		Framework:  j.project.Framework,
	}, func(source, message string) {
		s.appendLog(ctx, id, source, message)
	})
	if err != nil {
		return s.fail(ctx, id, jobError(StageFix, id, err))
	}
	if !result.Success {
		if err := s.setStatus(ctx, id, store.StatusFailed, ""); err != nil {
			return s.fail(ctx, id, jobError(StageStatus, id, err))
		}
		s.appendLog(ctx, id, store.SourceSystem, "Fix failed: "+result.Reason)
		return outcomeFailed
	}

	s.appendLog(ctx, id, store.SourceGitHub, "Creating pull request...")
	if err := s.deps.Publisher.EnsureLabel(ctx, j.project.Repo); err != nil {
		return s.fail(ctx, id, jobError(StagePublish, id, err))
	}
	prURL, err := s.deps.Publisher.CreatePullRequest(ctx, github.PRRequest{
		Repo:         j.project.Repo,
		Branch:       result.Branch,
		BaseBranch:   j.project.Branch,
		Event:        ev,
		ChangedFiles: result.ChangedFiles,
	})
	if err != nil {
		return s.fail(ctx, id, jobError(StagePublish, id, err))
	}

	if err := s.setStatus(ctx, id, store.StatusPROpen, prURL); err != nil {
		return s.fail(ctx, id, jobError(StageStatus, id, err))
	}
	s.appendLog(ctx, id, store.SourceGitHub, "Pull request created: "+prURL)
	return outcomePROpen
}

// fail records err against the issue. A job cut short by shutdown is left
// in_progress so that recovery picks it up on the next start.
func (s *Scheduler) fail(ctx context.Context, id string, err error) string {
	if s.ctx.Err() != nil {
		s.logger.Warn("job interrupted by shutdown, leaving for recovery",
			zap.String("issue_id", id), zap.Error(err))
		return outcomeInterrupted
	}

	s.logger.Error("job failed", zap.String("issue_id", id), zap.Error(err))

	msg := err.Error()
	var je *JobError
	if errors.As(err, &je) {
		msg = je.Err.Error()
	}
	msg, _ = s.deps.Scrubber.Scrub(msg)

	bctx := context.WithoutCancel(ctx)
	if markErr := s.deps.Store.MarkError(bctx, id, msg); markErr != nil {
		s.logger.Error("recording job error failed", zap.String("issue_id", id), zap.Error(markErr))
	}
	s.deps.Bus.Broadcast(id, events.StatusChanged(id, string(store.StatusError), ""))
	s.appendLog(bctx, id, store.SourceError, msg)
	return outcomeError
}

func (s *Scheduler) setStatus(ctx context.Context, id string, status store.Status, prURL string) error {
	if err := s.deps.Store.MarkStatus(ctx, id, status, prURL); err != nil {
		return err
	}
	s.deps.Bus.Broadcast(id, events.StatusChanged(id, string(status), prURL))
	return nil
}

// appendLog scrubs message, persists it and broadcasts it. Persistence
// failures are logged; the line is still broadcast.
func (s *Scheduler) appendLog(ctx context.Context, id, source, message string) {
	message, n := s.deps.Scrubber.Scrub(message)
	if n > 0 {
		s.logger.Debug("redacted secrets from log line", zap.String("issue_id", id), zap.Int("count", n))
	}

	ts := time.Now()
	entry, err := s.deps.Store.InsertLog(context.WithoutCancel(ctx), id, source, message)
	if err != nil {
		s.logger.Warn("persisting issue log failed", zap.String("issue_id", id), zap.Error(err))
	} else {
		ts = entry.Timestamp
	}
	s.deps.Bus.Broadcast(id, events.Log(id, source, message, ts))
}

func (s *Scheduler) recordOutcome(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	ctx = context.WithoutCancel(ctx)
	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, attrs)
	}
	if s.jobDuration != nil {
		s.jobDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// firstSeen parses the event's first-seen time, accepting RFC 3339 strings
// and unix seconds.
func firstSeen(ev *webhook.ParsedEvent) *time.Time {
	for _, raw := range []string{ev.FirstSeen, ev.Timestamp} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			t = t.UTC()
			return &t
		}
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			t := time.Unix(0, int64(secs*float64(time.Second))).UTC()
			return &t
		}
	}
	return nil
}
