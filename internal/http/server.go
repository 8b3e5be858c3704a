// Package http serves the webhook endpoint, the live event streams and the
// admin API for autofix.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/fyrsmithlabs/autofix/internal/events"
	"github.com/fyrsmithlabs/autofix/internal/logging"
	"github.com/fyrsmithlabs/autofix/internal/scheduler"
	"github.com/fyrsmithlabs/autofix/internal/store"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Store is the persistence the HTTP surface reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	GetIssue(ctx context.Context, id string) (*store.Issue, error)
	ListIssues(ctx context.Context, limit int) ([]store.Issue, error)
	Stats(ctx context.Context) (*store.Stats, error)
	LogsSince(ctx context.Context, issueID string, sinceID int64) ([]store.LogEntry, error)
	InsertAudit(ctx context.Context, entry *store.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]store.AuditEntry, error)
	ResolveProject(ctx context.Context, slug string) (*store.Project, error)
	ListProjects(ctx context.Context) ([]store.Project, error)
	CreateProject(ctx context.Context, p *store.Project) error
	UpdateProject(ctx context.Context, slug string, p *store.Project) (*store.Project, error)
	DeleteProject(ctx context.Context, slug string) error
}

// Scheduler admits remediation jobs.
type Scheduler interface {
	Submit(ctx context.Context, ev *webhook.ParsedEvent, project *store.Project) (scheduler.Decision, error)
	Retry(ctx context.Context, issueID string) error
	Config() scheduler.Config
	Stats() scheduler.Stats
}

// Enricher fills in event details the webhook omitted.
type Enricher interface {
	Enrich(ctx context.Context, ev *webhook.ParsedEvent)
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	MaxBodyBytes    int64
	SSEHeartbeat    time.Duration
	RateLimit       float64 // webhook requests per second per client IP, 0 disables
	RateBurst       int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            3000,
		MaxBodyBytes:    1 << 20,
		SSEHeartbeat:    30 * time.Second,
		RateLimit:       0,
		RateBurst:       10,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ConfigFrom converts the loaded server settings.
func ConfigFrom(cfg config.ServerConfig) *Config {
	c := DefaultConfig()
	if cfg.Host != "" {
		c.Host = cfg.Host
	}
	if cfg.Port > 0 {
		c.Port = cfg.Port
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodyBytes = cfg.MaxBodyBytes
	}
	if cfg.SSEHeartbeat > 0 {
		c.SSEHeartbeat = cfg.SSEHeartbeat
	}
	c.RateLimit = cfg.RateLimit
	if cfg.RateBurst > 0 {
		c.RateBurst = cfg.RateBurst
	}
	if cfg.ShutdownTimeout > 0 {
		c.ShutdownTimeout = cfg.ShutdownTimeout
	}
	return c
}

// Deps are the collaborators a Server needs. Enricher and Metrics are
// optional.
type Deps struct {
	Store      Store
	Scheduler  Scheduler
	Bus        *events.Bus
	Verifier   *webhook.Verifier
	Normalizer *webhook.Normalizer
	Enricher   Enricher
	Metrics    *HTTPMetrics
}

// Server provides HTTP endpoints for autofix.
type Server struct {
	echo   *echo.Echo
	config *Config
	logger *logging.Logger

	store      Store
	scheduler  Scheduler
	bus        *events.Bus
	verifier   *webhook.Verifier
	normalizer *webhook.Normalizer
	enricher   Enricher
	limiter    *ipLimiter
}

// NewServer creates a new HTTP server.
func NewServer(cfg *Config, deps Deps, logger *logging.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("webhook verifier is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = DefaultConfig().SSEHeartbeat
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = webhook.NewNormalizer(webhook.PolicyCreationRegression)
	}
	if deps.Enricher == nil {
		deps.Enricher = noopEnricher{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	e.Use(requestLogger(logger))

	s := &Server{
		echo:       e,
		config:     cfg,
		logger:     logger,
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		bus:        deps.Bus,
		verifier:   deps.Verifier,
		normalizer: deps.Normalizer,
		enricher:   deps.Enricher,
		limiter:    newIPLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/webhook/sentry", s.handleWebhook)

	api := s.echo.Group("/api")
	api.GET("/events", s.handleEvents)
	api.GET("/status", s.handleStatus)
	api.GET("/stats", s.handleStats)
	api.GET("/webhooks", s.handleWebhookLog)

	api.GET("/issues", s.handleListIssues)
	api.GET("/issues/:id", s.handleGetIssue)
	api.GET("/issues/:id/logs", s.handleIssueLogs)
	api.POST("/issues/:id/retry", s.handleRetry)

	api.GET("/projects", s.handleListProjects)
	api.POST("/projects", s.handleCreateProject)
	api.PUT("/projects/:slug", s.handleUpdateProject)
	api.DELETE("/projects/:slug", s.handleDeleteProject)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every JSON error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn(c.Request().Context(), "health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func jsonError(c echo.Context, code int, msg string) error {
	return c.JSON(code, ErrorResponse{Error: msg})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Open event streams end when
// the bus is closed, so close the bus first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

type noopEnricher struct{}

func (noopEnricher) Enrich(context.Context, *webhook.ParsedEvent) {}
