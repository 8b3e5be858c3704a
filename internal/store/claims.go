package store

import (
	"context"
	"fmt"
)

// ClaimDispatch atomically reserves the right to dispatch a job for issueID.
// Exactly one concurrent caller gets true until ReleaseClaim is called.
func (s *Store) ClaimDispatch(ctx context.Context, issueID string) (bool, error) {
	res, err := s.db.NewInsert().
		Model(&issueClaim{IssueID: issueID, ClaimedAt: s.now()}).
		On("CONFLICT (sentry_issue_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim dispatch %s: %w", issueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim dispatch %s: %w", issueID, err)
	}
	return n == 1, nil
}

// ReleaseClaim drops the dispatch reservation for issueID.
func (s *Store) ReleaseClaim(ctx context.Context, issueID string) error {
	if _, err := s.db.NewDelete().
		Model((*issueClaim)(nil)).
		Where("sentry_issue_id = ?", issueID).
		Exec(ctx); err != nil {
		return fmt.Errorf("release claim %s: %w", issueID, err)
	}
	return nil
}

// ReleaseAllClaims drops every dispatch reservation. Claims do not survive a
// restart, so this runs once at startup before any submission.
func (s *Store) ReleaseAllClaims(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*issueClaim)(nil)).
		Where("1 = 1").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
