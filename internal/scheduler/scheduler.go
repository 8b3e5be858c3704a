// Package scheduler admits remediation jobs, runs them with bounded
// concurrency and recovers work interrupted by a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/events"
	"github.com/fyrsmithlabs/autofix/internal/fixer"
	"github.com/fyrsmithlabs/autofix/internal/github"
	"github.com/fyrsmithlabs/autofix/internal/redact"
	"github.com/fyrsmithlabs/autofix/internal/store"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/autofix/internal/scheduler"

// Store is the durable state the scheduler reads and writes.
type Store interface {
	GetIssue(ctx context.Context, id string) (*store.Issue, error)
	UpsertIssue(ctx context.Context, in store.NewIssue) (*store.Issue, error)
	IncrementAttempts(ctx context.Context, id string) error
	MarkStatus(ctx context.Context, id string, status store.Status, prURL string) error
	MarkError(ctx context.Context, id, message string) error
	ResetIssue(ctx context.Context, id string) error
	StuckIssues(ctx context.Context) ([]store.Issue, error)
	ResolveProject(ctx context.Context, slug string) (*store.Project, error)
	InsertLog(ctx context.Context, issueID, source, message string) (*store.LogEntry, error)
	ClaimDispatch(ctx context.Context, issueID string) (bool, error)
	ReleaseClaim(ctx context.Context, issueID string) error
	ReleaseAllClaims(ctx context.Context) (int64, error)
}

// Publisher opens pull requests for pushed branches.
type Publisher interface {
	EnsureLabel(ctx context.Context, repo string) error
	CreatePullRequest(ctx context.Context, req github.PRRequest) (string, error)
}

// Enricher fills in missing event detail. It never fails.
type Enricher interface {
	Enrich(ctx context.Context, ev *webhook.ParsedEvent)
}

// Broadcaster fans events out to stream subscribers.
type Broadcaster interface {
	Broadcast(topic string, ev events.Event)
}

// Config configures a Scheduler.
type Config struct {
	MaxConcurrent int
	MaxAttempts   int

	// JobTimeout bounds a single job. Zero means no limit.
	JobTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent: 1,
		MaxAttempts:   2,
	}
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Store     Store
	Bus       Broadcaster
	Executor  fixer.Executor
	Publisher Publisher
	Enricher  Enricher
	Scrubber  redact.Scrubber
}

// Decision is the outcome of Submit.
type Decision string

const (
	DecisionDispatched Decision = "dispatched"
	DecisionQueued     Decision = "queued"
	DecisionSkipped    Decision = "skipped"
	DecisionDuplicate  Decision = "duplicate"
)

// Stats is a snapshot of scheduler load.
type Stats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

type job struct {
	event   *webhook.ParsedEvent
	project store.Project
}

// Scheduler owns the active job counter and the FIFO queue.
type Scheduler struct {
	config *Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	submitCounter  metric.Int64Counter
	outcomeCounter metric.Int64Counter
	jobDuration    metric.Float64Histogram

	// ctx is the parent of every job context; cancel stops running jobs.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active int
	queue  []job
	closed bool
}

// New creates a Scheduler. Jobs run under a context derived from ctx.
func New(ctx context.Context, cfg *Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Scrubber == nil {
		deps.Scrubber = redact.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		config: cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		ctx:    ctx,
		cancel: cancel,
	}
	s.initMetrics()
	return s, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return *s.config
}

// ShouldAttempt reports whether issue may be attempted automatically. A nil
// issue has never been seen and may always be attempted.
func (s *Scheduler) ShouldAttempt(issue *store.Issue) bool {
	if issue == nil {
		return true
	}
	if issue.Status.Terminal() {
		return false
	}
	return issue.Attempts < s.config.MaxAttempts
}

// Submit admits ev for project. The job runs immediately when a slot is
// free and is queued otherwise. Issues that are finished, out of attempts, or
// already queued or running are skipped.
func (s *Scheduler) Submit(ctx context.Context, ev *webhook.ParsedEvent, project *store.Project) (Decision, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	if ev == nil || project == nil {
		return "", errors.New("submit requires an event and a project")
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.submit",
		trace.WithAttributes(attribute.String("issue.id", ev.IssueID)))
	defer span.End()

	decision, err := s.admit(ctx, ev, project)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("decision", string(decision)))
	s.countSubmission(ctx, decision)
	return decision, nil
}

func (s *Scheduler) admit(ctx context.Context, ev *webhook.ParsedEvent, project *store.Project) (Decision, error) {
	existing, err := s.deps.Store.GetIssue(ctx, ev.IssueID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("loading issue %s: %w", ev.IssueID, err)
	}
	if !s.ShouldAttempt(existing) {
		s.logger.Info(fmt.Sprintf("Skipping issue %s (already attempted or fixed)", ev.IssueID),
			zap.String("issue_id", ev.IssueID))
		return DecisionSkipped, nil
	}

	// One claim per issue covers its queued and running lifetime.
	claimed, err := s.deps.Store.ClaimDispatch(ctx, ev.IssueID)
	if err != nil {
		return "", err
	}
	if !claimed {
		s.logger.Info("issue already queued or running", zap.String("issue_id", ev.IssueID))
		return DecisionDuplicate, nil
	}
	return s.enqueue(ev, project)
}

// enqueue starts or queues a job whose dispatch claim the caller holds.
func (s *Scheduler) enqueue(ev *webhook.ParsedEvent, project *store.Project) (Decision, error) {
	j := job{event: ev, project: *project}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseClaim(ev.IssueID)
		return "", ErrNotInitialized
	}
	if s.active >= s.config.MaxConcurrent {
		s.queue = append(s.queue, j)
		active, queued := s.active, len(s.queue)
		s.mu.Unlock()
		QueuedJobs.Set(float64(queued))
		s.logger.Info(fmt.Sprintf("Queuing issue %s (%d/%d active, %d queued)",
			ev.IssueID, active, s.config.MaxConcurrent, queued),
			zap.String("issue_id", ev.IssueID))
		return DecisionQueued, nil
	}
	s.active++
	s.start(j)
	s.mu.Unlock()
	return DecisionDispatched, nil
}

// start launches j. Callers hold s.mu and have already counted j as active.
func (s *Scheduler) start(j job) {
	ActiveJobs.Set(float64(s.active))
	s.wg.Add(1)
	go s.run(j)
}

// onJobComplete frees the finished job's slot and starts queued jobs while
// capacity allows.
func (s *Scheduler) onJobComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active--
	for !s.closed && s.active < s.config.MaxConcurrent && len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = job{}
		s.queue = s.queue[1:]
		s.active++
		s.start(next)
	}
	ActiveJobs.Set(float64(s.active))
	QueuedJobs.Set(float64(len(s.queue)))
}

// Stats returns the current load.
func (s *Scheduler) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Active: s.active, Queued: len(s.queue)}
}

// Wait blocks until every started job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close stops admitting work, drops the queue, cancels running jobs and
// waits for them or for ctx to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	if s == nil {
		return ErrNotInitialized
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.queue
	s.queue = nil
	s.mu.Unlock()
	QueuedJobs.Set(0)

	for _, j := range dropped {
		s.releaseClaim(j.event.IssueID)
	}
	if len(dropped) > 0 {
		s.logger.Info("dropped queued jobs on shutdown", zap.Int("count", len(dropped)))
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) usable() error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotInitialized
	}
	return nil
}

func (s *Scheduler) releaseClaim(issueID string) {
	if err := s.deps.Store.ReleaseClaim(context.WithoutCancel(s.ctx), issueID); err != nil {
		s.logger.Warn("releasing dispatch claim failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (s *Scheduler) countSubmission(ctx context.Context, d Decision) {
	if s.submitCounter != nil {
		s.submitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d))))
	}
}
