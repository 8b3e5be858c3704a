package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertIssue inserts the issue if it does not exist and returns the stored
// row. An existing row is returned untouched.
func (s *Store) UpsertIssue(ctx context.Context, in NewIssue) (*Issue, error) {
	now := s.now()
	rec := &Issue{
		SentryIssueID: in.SentryIssueID,
		SentryProject: in.SentryProject,
		Repo:          in.Repo,
		Title:         in.Title,
		Level:         in.Level,
		FirstSeenAt:   in.FirstSeenAt,
		Status:        StatusPending,
		ErrorMessage:  in.ErrorMessage,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT (sentry_issue_id) DO NOTHING").
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("upsert issue %s: %w", in.SentryIssueID, err)
	}
	return s.GetIssue(ctx, in.SentryIssueID)
}

// GetIssue returns the issue or ErrNotFound.
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	issue := new(Issue)
	err := s.db.NewSelect().
		Model(issue).
		Where("?TableAlias.sentry_issue_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get issue %s: %w", id, err)
	}
	return issue, nil
}

// IncrementAttempts adds one to the attempt counter.
func (s *Store) IncrementAttempts(ctx context.Context, id string) error {
	_, err := s.db.NewUpdate().
		Model((*Issue)(nil)).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", s.now()).
		Where("sentry_issue_id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("increment attempts %s: %w", id, err)
	}
	return nil
}

// MarkStatus sets the status. A non-empty prURL is recorded; an empty one
// leaves any earlier URL in place.
func (s *Store) MarkStatus(ctx context.Context, id string, status Status, prURL string) error {
	var pr any
	if prURL != "" {
		pr = prURL
	}
	_, err := s.db.NewUpdate().
		Model((*Issue)(nil)).
		Set("status = ?", status).
		Set("pr_url = COALESCE(?, pr_url)", pr).
		Set("updated_at = ?", s.now()).
		Where("sentry_issue_id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", id, status, err)
	}
	return nil
}

// MarkError sets status error and records the job failure in last_error.
// The issue's own error_message is left as first written.
func (s *Store) MarkError(ctx context.Context, id, message string) error {
	_, err := s.db.NewUpdate().
		Model((*Issue)(nil)).
		Set("status = ?", StatusError).
		Set("last_error = ?", message).
		Set("updated_at = ?", s.now()).
		Where("sentry_issue_id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark %s error: %w", id, err)
	}
	return nil
}

// ResetIssue returns an issue to pending and gives back one attempt.
func (s *Store) ResetIssue(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().
		Model((*Issue)(nil)).
		Set("status = ?", StatusPending).
		Set("attempts = MAX(attempts - 1, 0)").
		Set("updated_at = ?", s.now()).
		Where("sentry_issue_id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reset issue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIssues returns the most recently updated issues first.
func (s *Store) ListIssues(ctx context.Context, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = 50
	}
	issues := make([]Issue, 0, limit)
	err := s.db.NewSelect().
		Model(&issues).
		OrderExpr("?TableAlias.updated_at DESC").
		OrderExpr("?TableAlias.sentry_issue_id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return issues, nil
}

// StuckIssues returns every issue left in_progress.
func (s *Store) StuckIssues(ctx context.Context) ([]Issue, error) {
	var issues []Issue
	err := s.db.NewSelect().
		Model(&issues).
		Where("?TableAlias.status = ?", StatusInProgress).
		OrderExpr("?TableAlias.updated_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stuck issues: %w", err)
	}
	return issues, nil
}

// Stats counts issues in total and per status.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.db.NewSelect().Model((*Issue)(nil)).Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count issues: %w", err)
	}

	byStatus := make([]StatusCount, 0)
	err = s.db.NewSelect().
		Model((*Issue)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		OrderExpr("status ASC").
		Scan(ctx, &byStatus)
	if err != nil {
		return nil, fmt.Errorf("count issues by status: %w", err)
	}
	return &Stats{Total: total, ByStatus: byStatus}, nil
}
