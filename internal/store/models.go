package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Status is the remediation state of an issue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPROpen     Status = "pr_open"
	StatusFixed      Status = "fixed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// Terminal reports whether automatic attempts stop at s.
func (s Status) Terminal() bool {
	return s == StatusPROpen || s == StatusFixed
}

// Log sources.
const (
	SourceSystem = "system"
	SourceAgent  = "agent"
	SourceGitHub = "github"
	SourceError  = "error"
)

// Audit decisions.
const (
	DecisionAccepted = "accepted"
	DecisionIgnored  = "ignored"
	DecisionRejected = "rejected"
)

// Issue is one tracked error-monitoring issue.
type Issue struct {
	bun.BaseModel `bun:"table:issues,alias:i"`

	SentryIssueID string     `bun:"sentry_issue_id,pk" json:"sentry_issue_id"`
	SentryProject string     `bun:"sentry_project,notnull" json:"sentry_project"`
	Repo          string     `bun:"repo,notnull" json:"repo"`
	Title         string     `bun:"title,notnull" json:"title"`
	Level         string     `bun:"level" json:"level"`
	FirstSeenAt   *time.Time `bun:"first_seen_at,nullzero" json:"first_seen_at"`
	Attempts      int        `bun:"attempts,notnull,default:0" json:"attempts"`
	Status        Status     `bun:"status,notnull,default:'pending'" json:"status"`
	PRURL         string     `bun:"pr_url,nullzero" json:"pr_url,omitempty"`
	ErrorMessage  string     `bun:"error_message,nullzero" json:"error_message,omitempty"`
	LastError     string     `bun:"last_error,nullzero" json:"last_error,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// LogEntry is one append-only line of an issue's remediation log.
type LogEntry struct {
	bun.BaseModel `bun:"table:issue_logs,alias:il"`

	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	SentryIssueID string    `bun:"sentry_issue_id,notnull" json:"sentry_issue_id"`
	Timestamp     time.Time `bun:"timestamp,nullzero,notnull,default:current_timestamp" json:"timestamp"`
	Source        string    `bun:"source,notnull" json:"source"`
	Message       string    `bun:"message,notnull" json:"message"`
}

// AuditEntry records the decision taken for one inbound webhook.
type AuditEntry struct {
	bun.BaseModel `bun:"table:webhook_log,alias:wl"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id"`
	Timestamp   time.Time `bun:"timestamp,nullzero,notnull,default:current_timestamp" json:"timestamp"`
	Resource    string    `bun:"resource,notnull" json:"resource"`
	Action      string    `bun:"action,nullzero" json:"action,omitempty"`
	IssueID     string    `bun:"issue_id,nullzero" json:"issue_id,omitempty"`
	IssueTitle  string    `bun:"issue_title,nullzero" json:"issue_title,omitempty"`
	ProjectSlug string    `bun:"project_slug,nullzero" json:"project_slug,omitempty"`
	Decision    string    `bun:"decision,notnull" json:"decision"`
	Reason      string    `bun:"reason,nullzero" json:"reason,omitempty"`
}

// Project maps an error-monitoring project to the repository fixes target.
type Project struct {
	bun.BaseModel `bun:"table:projects,alias:p"`

	Slug      string    `bun:"sentry_project_slug,pk" json:"slug"`
	Repo      string    `bun:"repo,notnull" json:"repo"`
	Branch    string    `bun:"branch,notnull" json:"branch"`
	Language  string    `bun:"language,notnull" json:"language"`
	Framework string    `bun:"framework,notnull" json:"framework"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// issueClaim guards the first dispatch of an issue.
type issueClaim struct {
	bun.BaseModel `bun:"table:issue_claims,alias:ic"`

	IssueID   string    `bun:"sentry_issue_id,pk"`
	ClaimedAt time.Time `bun:"claimed_at,nullzero,notnull,default:current_timestamp"`
}

// StatusCount is one row of Stats.ByStatus.
type StatusCount struct {
	Status Status `bun:"status" json:"status"`
	Count  int    `bun:"count" json:"count"`
}

// Stats summarizes issues by status.
type Stats struct {
	Total    int           `json:"total"`
	ByStatus []StatusCount `json:"byStatus"`
}

// NewIssue holds the fields written when an issue is first seen.
type NewIssue struct {
	SentryIssueID string
	SentryProject string
	Repo          string
	Title         string
	Level         string
	ErrorMessage  string
	FirstSeenAt   *time.Time
}
