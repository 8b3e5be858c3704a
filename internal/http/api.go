package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/autofix/internal/scheduler"
	"github.com/fyrsmithlabs/autofix/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	statusIssueLimit = 50
	statusAuditLimit = 200
	maxListLimit     = 1000
)

// StatusResponse is the dashboard snapshot returned by GET /api/status.
type StatusResponse struct {
	Issues      []store.Issue      `json:"issues"`
	Stats       *store.Stats       `json:"stats"`
	Projects    []store.Project    `json:"projects"`
	WebhookLogs []store.AuditEntry `json:"webhookLogs"`
	Config      SchedulerConfig    `json:"config"`
	Scheduler   SchedulerStats     `json:"scheduler"`
}

// SchedulerConfig reports the admission limits in effect.
type SchedulerConfig struct {
	MaxConcurrent int `json:"maxConcurrent"`
	MaxAttempts   int `json:"maxAttempts"`
}

// SchedulerStats reports current job counts.
type SchedulerStats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// OKResponse acknowledges a mutation.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ProjectRequest is the body of project create and update calls. Slug is
// taken from the path on update.
type ProjectRequest struct {
	Slug      string `json:"slug"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	Language  string `json:"language"`
	Framework string `json:"framework"`
}

func (r *ProjectRequest) trim() {
	r.Slug = strings.TrimSpace(r.Slug)
	r.Repo = strings.TrimSpace(r.Repo)
	r.Branch = strings.TrimSpace(r.Branch)
	r.Language = strings.TrimSpace(r.Language)
	r.Framework = strings.TrimSpace(r.Framework)
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	issues, err := s.store.ListIssues(ctx, statusIssueLimit)
	if err != nil {
		return s.internalError(c, "listing issues", err)
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return s.internalError(c, "loading stats", err)
	}
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return s.internalError(c, "listing projects", err)
	}
	audit, err := s.store.ListAudit(ctx, statusAuditLimit)
	if err != nil {
		return s.internalError(c, "listing webhook log", err)
	}

	cfg := s.scheduler.Config()
	st := s.scheduler.Stats()
	return c.JSON(http.StatusOK, StatusResponse{
		Issues:      issues,
		Stats:       stats,
		Projects:    projects,
		WebhookLogs: audit,
		Config:      SchedulerConfig{MaxConcurrent: cfg.MaxConcurrent, MaxAttempts: cfg.MaxAttempts},
		Scheduler:   SchedulerStats{Active: st.Active, Queued: st.Queued},
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return s.internalError(c, "loading stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleWebhookLog(c echo.Context) error {
	limit, err := queryLimit(c, statusAuditLimit)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	entries, err := s.store.ListAudit(c.Request().Context(), limit)
	if err != nil {
		return s.internalError(c, "listing webhook log", err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleListIssues(c echo.Context) error {
	limit, err := queryLimit(c, statusIssueLimit)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	issues, err := s.store.ListIssues(c.Request().Context(), limit)
	if err != nil {
		return s.internalError(c, "listing issues", err)
	}
	return c.JSON(http.StatusOK, issues)
}

func (s *Server) handleGetIssue(c echo.Context) error {
	issue, err := s.store.GetIssue(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return jsonError(c, http.StatusNotFound, "Issue not found")
	}
	if err != nil {
		return s.internalError(c, "loading issue", err)
	}
	return c.JSON(http.StatusOK, issue)
}

func (s *Server) handleRetry(c echo.Context) error {
	issueID := c.Param("id")
	if err := s.scheduler.Retry(c.Request().Context(), issueID); err != nil {
		s.logger.Warn(c.Request().Context(), "manual retry failed",
			zap.String("issue_id", issueID), zap.Error(err))
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return jsonError(c, http.StatusConflict, err.Error())
		}
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleListProjects(c echo.Context) error {
	projects, err := s.store.ListProjects(c.Request().Context())
	if err != nil {
		return s.internalError(c, "listing projects", err)
	}
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req ProjectRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "Invalid request body")
	}
	req.trim()
	if req.Slug == "" || req.Repo == "" || req.Branch == "" || req.Language == "" || req.Framework == "" {
		return jsonError(c, http.StatusBadRequest, "Missing required fields: slug, repo, branch, language, framework")
	}

	p := &store.Project{
		Slug:      req.Slug,
		Repo:      req.Repo,
		Branch:    req.Branch,
		Language:  req.Language,
		Framework: req.Framework,
	}
	err := s.store.CreateProject(c.Request().Context(), p)
	if errors.Is(err, store.ErrProjectExists) {
		return jsonError(c, http.StatusConflict, "Project already exists")
	}
	if err != nil {
		return s.internalError(c, "creating project", err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleUpdateProject(c echo.Context) error {
	ctx := c.Request().Context()
	slug := c.Param("slug")

	existing, err := s.store.ResolveProject(ctx, slug)
	if err != nil {
		return s.internalError(c, "loading project", err)
	}
	if existing == nil {
		return jsonError(c, http.StatusNotFound, "Project not found")
	}

	var req ProjectRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "Invalid request body")
	}
	req.trim()
	if req.Repo == "" || req.Branch == "" || req.Language == "" || req.Framework == "" {
		return jsonError(c, http.StatusBadRequest, "Missing required fields: repo, branch, language, framework")
	}

	updated, err := s.store.UpdateProject(ctx, slug, &store.Project{
		Repo:      req.Repo,
		Branch:    req.Branch,
		Language:  req.Language,
		Framework: req.Framework,
	})
	if errors.Is(err, store.ErrNotFound) {
		return jsonError(c, http.StatusNotFound, "Project not found")
	}
	if err != nil {
		return s.internalError(c, "updating project", err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteProject(c echo.Context) error {
	err := s.store.DeleteProject(c.Request().Context(), c.Param("slug"))
	if errors.Is(err, store.ErrNotFound) {
		return jsonError(c, http.StatusNotFound, "Project not found")
	}
	if err != nil {
		return s.internalError(c, "deleting project", err)
	}
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

func (s *Server) internalError(c echo.Context, op string, err error) error {
	s.logger.Error(c.Request().Context(), op+" failed", zap.Error(err))
	return jsonError(c, http.StatusInternalServerError, "Internal error")
}

var errInvalidLimit = errors.New("limit must be a positive integer")

func queryLimit(c echo.Context, def int) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
