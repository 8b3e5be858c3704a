package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when the scheduler is nil or closed.
	ErrNotInitialized = errors.New("scheduler not initialized")

	// ErrIssueNotFound is returned by Retry for unknown issues.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrNoProjectMapping is returned by Retry when the issue's project is no
	// longer mapped to a repository.
	ErrNoProjectMapping = errors.New("no project mapping")

	// ErrAlreadyRunning is returned by Retry while the issue is queued or
	// running.
	ErrAlreadyRunning = errors.New("issue already queued or running")
)

// Job stages reported by JobError.
const (
	StageUpsert  = "upsert"
	StageStatus  = "status"
	StageFix     = "fix"
	StagePublish = "publish"
	StagePanic   = "panic"
)

// JobError is a job failure tagged with the stage it happened in.
type JobError struct {
	Stage   string
	IssueID string
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed at %s: %v", e.IssueID, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func jobError(stage, issueID string, err error) error {
	return &JobError{Stage: stage, IssueID: issueID, Err: err}
}
