package store

import (
	"context"
	"fmt"
)

// InsertLog appends a log line for an issue and returns it with its id.
func (s *Store) InsertLog(ctx context.Context, issueID, source, message string) (*LogEntry, error) {
	entry := &LogEntry{
		SentryIssueID: issueID,
		Timestamp:     s.now(),
		Source:        source,
		Message:       message,
	}
	if _, err := s.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert log for %s: %w", issueID, err)
	}
	return entry, nil
}

// LogsSince returns the issue's log lines with id greater than sinceID, in
// insertion order.
func (s *Store) LogsSince(ctx context.Context, issueID string, sinceID int64) ([]LogEntry, error) {
	logs := make([]LogEntry, 0)
	err := s.db.NewSelect().
		Model(&logs).
		Where("?TableAlias.sentry_issue_id = ?", issueID).
		Where("?TableAlias.id > ?", sinceID).
		OrderExpr("?TableAlias.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", issueID, err)
	}
	return logs, nil
}

// InsertAudit appends a webhook decision.
func (s *Store) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if _, err := s.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("insert webhook audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	entries := make([]AuditEntry, 0, limit)
	err := s.db.NewSelect().
		Model(&entries).
		OrderExpr("?TableAlias.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list webhook audit: %w", err)
	}
	return entries, nil
}
