package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a private in-memory database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:autofix-store-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	s, err := Open(context.Background(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleIssue(id string) NewIssue {
	return NewIssue{
		SentryIssueID: id,
		SentryProject: "web-frontend",
		Repo:          "acme/web",
		Title:         "TypeError: x is undefined",
		Level:         "error",
		ErrorMessage:  "x is undefined",
	}
}

func TestUpsertIssue_FirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertIssue(ctx, sampleIssue("100"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	assert.Zero(t, first.Attempts)

	later := sampleIssue("100")
	later.Title = "Renamed"
	later.Level = "fatal"
	second, err := s.UpsertIssue(ctx, later)
	require.NoError(t, err)

	assert.Equal(t, "TypeError: x is undefined", second.Title)
	assert.Equal(t, "error", second.Level)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestGetIssue_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetIssue(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertIssue(ctx, sampleIssue("200"))
	require.NoError(t, err)

	require.NoError(t, s.IncrementAttempts(ctx, "200"))
	require.NoError(t, s.IncrementAttempts(ctx, "200"))
	require.NoError(t, s.MarkStatus(ctx, "200", StatusPROpen, "https://github.com/acme/web/pull/7"))

	issue, err := s.GetIssue(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, 2, issue.Attempts)
	assert.Equal(t, StatusPROpen, issue.Status)
	assert.Equal(t, "https://github.com/acme/web/pull/7", issue.PRURL)

	t.Run("pr url is never cleared", func(t *testing.T) {
		require.NoError(t, s.MarkStatus(ctx, "200", StatusFailed, ""))
		issue, err := s.GetIssue(ctx, "200")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, issue.Status)
		assert.Equal(t, "https://github.com/acme/web/pull/7", issue.PRURL)
	})

	t.Run("reset gives back one attempt", func(t *testing.T) {
		require.NoError(t, s.ResetIssue(ctx, "200"))
		issue, err := s.GetIssue(ctx, "200")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, issue.Status)
		assert.Equal(t, 1, issue.Attempts)
	})

	t.Run("attempts never go negative", func(t *testing.T) {
		require.NoError(t, s.ResetIssue(ctx, "200"))
		require.NoError(t, s.ResetIssue(ctx, "200"))
		issue, err := s.GetIssue(ctx, "200")
		require.NoError(t, err)
		assert.Equal(t, 0, issue.Attempts)
	})

	t.Run("mark error stores message", func(t *testing.T) {
		require.NoError(t, s.MarkError(ctx, "200", "push rejected"))
		issue, err := s.GetIssue(ctx, "200")
		require.NoError(t, err)
		assert.Equal(t, StatusError, issue.Status)
		assert.Equal(t, "push rejected", issue.LastError)
		assert.Equal(t, "x is undefined", issue.ErrorMessage)
	})

	t.Run("reset unknown issue", func(t *testing.T) {
		assert.ErrorIs(t, s.ResetIssue(ctx, "nope"), ErrNotFound)
	})
}

func TestListIssuesAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"1", "2", "3"} {
		_, err := s.UpsertIssue(ctx, sampleIssue(id))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkStatus(ctx, "1", StatusInProgress, ""))
	require.NoError(t, s.MarkStatus(ctx, "2", StatusFailed, ""))

	issues, err := s.ListIssues(ctx, 2)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "2", issues[0].SentryIssueID)
	assert.Equal(t, "1", issues[1].SentryIssueID)

	stuck, err := s.StuckIssues(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "1", stuck[0].SentryIssueID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.ElementsMatch(t, []StatusCount{
		{Status: StatusFailed, Count: 1},
		{Status: StatusInProgress, Count: 1},
		{Status: StatusPending, Count: 1},
	}, stats.ByStatus)
}

func TestLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i, msg := range []string{"one", "two", "three"} {
		entry, err := s.InsertLog(ctx, "300", SourceSystem, msg)
		require.NoError(t, err)
		assert.NotZero(t, entry.ID, "entry %d", i)
		ids = append(ids, entry.ID)
	}
	_, err := s.InsertLog(ctx, "other", SourceAgent, "unrelated")
	require.NoError(t, err)

	logs, err := s.LogsSince(ctx, "300", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "one", logs[0].Message)
	assert.Equal(t, "three", logs[2].Message)

	logs, err = s.LogsSince(ctx, "300", ids[0])
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "two", logs[0].Message)
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAudit(ctx, &AuditEntry{Resource: "issue", Action: "created", Decision: DecisionAccepted, IssueID: "1"}))
	require.NoError(t, s.InsertAudit(ctx, &AuditEntry{Resource: "unknown", Decision: DecisionRejected, Reason: "invalid signature"}))

	entries, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, DecisionRejected, entries[0].Decision)
	assert.Equal(t, "invalid signature", entries[0].Reason)
	assert.Equal(t, DecisionAccepted, entries[1].Decision)
}

func TestProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.ResolveProject(ctx, "web")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.CreateProject(ctx, &Project{Slug: "web", Repo: "acme/web", Branch: "main", Language: "typescript", Framework: "next"}))
	assert.ErrorIs(t, s.CreateProject(ctx, &Project{Slug: "web", Repo: "acme/other", Branch: "main", Language: "go", Framework: "none"}), ErrProjectExists)

	p, err = s.ResolveProject(ctx, "web")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "acme/web", p.Repo)

	updated, err := s.UpdateProject(ctx, "web", &Project{Repo: "acme/web2", Branch: "develop", Language: "typescript", Framework: "next"})
	require.NoError(t, err)
	assert.Equal(t, "acme/web2", updated.Repo)
	assert.Equal(t, "develop", updated.Branch)

	_, err = s.UpdateProject(ctx, "ghost", &Project{Repo: "a/b"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteProject(ctx, "web"))
	assert.ErrorIs(t, s.DeleteProject(ctx, "web"), ErrNotFound)
}

func TestSeedProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, &Project{Slug: "api", Repo: "acme/edited", Branch: "main", Language: "go", Framework: "echo"}))

	n, err := s.SeedProjects(ctx, map[string]config.ProjectSeed{
		"api": {Repo: "acme/api", Branch: "main", Language: "go", Framework: "echo"},
		"web": {Repo: "acme/web", Branch: "main", Language: "typescript", Framework: "next"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	api, err := s.ResolveProject(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "acme/edited", api.Repo)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "api", projects[0].Slug)
	assert.Equal(t, "web", projects[1].Slug)
}

func TestClaimDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("single winner under contention", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimDispatch(ctx, "500")
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("release allows a new claim", func(t *testing.T) {
		require.NoError(t, s.ReleaseClaim(ctx, "500"))
		ok, err := s.ClaimDispatch(ctx, "500")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestReleaseAllClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		ok, err := s.ClaimDispatch(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := s.ReleaseAllClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ok, err := s.ClaimDispatch(ctx, "2")
	require.NoError(t, err)
	assert.True(t, ok)
}
