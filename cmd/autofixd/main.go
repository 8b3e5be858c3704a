// Autofixd receives error-monitoring webhooks and turns actionable issues
// into pull requests produced by a coding agent.
//
// Configuration is loaded from an optional YAML file, AUTOFIX_-prefixed
// environment variables and the legacy variables documented in
// internal/config.
//
// Usage:
//
//	# Start with defaults
//	autofixd
//
//	# Use a config file
//	autofixd -config /etc/autofix/config.yaml
//
//	# Configure via environment
//	PORT=8080 SENTRY_CLIENT_SECRET=... GITHUB_TOKEN=... autofixd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/fyrsmithlabs/autofix/internal/events"
	"github.com/fyrsmithlabs/autofix/internal/fixer"
	"github.com/fyrsmithlabs/autofix/internal/github"
	apihttp "github.com/fyrsmithlabs/autofix/internal/http"
	"github.com/fyrsmithlabs/autofix/internal/logging"
	"github.com/fyrsmithlabs/autofix/internal/redact"
	"github.com/fyrsmithlabs/autofix/internal/scheduler"
	"github.com/fyrsmithlabs/autofix/internal/sentry"
	"github.com/fyrsmithlabs/autofix/internal/store"
	"github.com/fyrsmithlabs/autofix/internal/telemetry"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  autofixd [-config path]   Start the autofix daemon\n")
			fmt.Fprintf(os.Stderr, "  autofixd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("autofixd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and serves until ctx is cancelled:
//  1. Loads configuration, telemetry and logging
//  2. Opens the store and seeds project mappings
//  3. Builds the bus, enricher, scrubber, fixer, publisher and scheduler
//  4. Releases stale dispatch claims, then recovers interrupted issues
//  5. Serves HTTP and shuts everything down in order on cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.ConfigFrom(cfg.Observability), nil)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromObservability(cfg.Observability)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	logger.Info(ctx, "starting autofix",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_concurrent", cfg.Scheduler.MaxConcurrent),
		zap.Int("max_attempts", cfg.Scheduler.MaxAttempts),
		zap.Bool("telemetry", tel.Enabled()),
		zap.Bool("telemetry_degraded", tel.Degraded()),
		logging.Secret("webhook_secret", cfg.Webhook.Secret),
		logging.Secret("github_token", cfg.GitHub.Token))

	st, err := store.Open(ctx, cfg.Store.Path, zl.Named("store"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()
	if _, err := st.SeedProjects(ctx, cfg.Projects); err != nil {
		return fmt.Errorf("seeding projects: %w", err)
	}

	bus, nc := newBus(cfg.Events, zl)
	if nc != nil {
		defer nc.Close()
	}

	scrubber, err := redact.New(redact.WithLiterals(
		cfg.Webhook.Secret.Value(),
		cfg.Sentry.AuthToken.Value(),
		cfg.GitHub.Token.Value(),
	))
	if err != nil {
		return fmt.Errorf("initializing scrubber: %w", err)
	}

	enricher := sentry.NewClient(sentry.ConfigFrom(cfg.Sentry), nil, zl.Named("sentry"))
	if !enricher.Configured() {
		logger.Warn(ctx, "sentry API not configured, events without a stack trace will not be enriched")
	}

	fx, err := fixer.New(&fixer.Config{
		ReposDir:    cfg.Agent.ReposDir,
		GitHubToken: cfg.GitHub.Token,
	}, &fixer.CLIAgent{
		Path:  cfg.Agent.Path,
		Model: cfg.Agent.Model,
		Args:  cfg.Agent.Args,
	}, zl.Named("fixer"))
	if err != nil {
		return fmt.Errorf("initializing fixer: %w", err)
	}

	publisher, err := github.NewPublisher(ctx, github.ConfigFrom(cfg.GitHub), zl.Named("github"))
	if err != nil {
		return fmt.Errorf("initializing github publisher: %w", err)
	}
	if !cfg.GitHub.Token.IsSet() {
		logger.Warn(ctx, "GITHUB_TOKEN not set, pull requests cannot be created")
	}

	sched, err := scheduler.New(ctx, &scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		JobTimeout:    cfg.Scheduler.JobTimeout,
	}, scheduler.Deps{
		Store:     st,
		Bus:       bus,
		Executor:  fx,
		Publisher: publisher,
		Enricher:  enricher,
		Scrubber:  scrubber,
	}, zl.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	// Claims left by a previous process must go before any submission.
	if err := sched.ReleaseStaleClaims(ctx); err != nil {
		return fmt.Errorf("releasing stale claims: %w", err)
	}

	policy, err := webhook.ParseIssueActionPolicy(cfg.Webhook.IssueActionPolicy)
	if err != nil {
		return err
	}
	if !cfg.Webhook.Secret.IsSet() {
		logger.Warn(ctx, "webhook secret not configured, every webhook will be rejected")
	}

	srv, err := apihttp.NewServer(apihttp.ConfigFrom(cfg.Server), apihttp.Deps{
		Store:      st,
		Scheduler:  sched,
		Bus:        bus,
		Verifier:   webhook.NewVerifier(cfg.Webhook.Secret),
		Normalizer: webhook.NewNormalizer(policy),
		Enricher:   enricher,
		Metrics:    apihttp.NewHTTPMetrics(zl),
	}, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	go func() {
		n, err := sched.Recover(ctx)
		if err != nil {
			logger.Error(ctx, "startup recovery failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info(ctx, "resubmitted interrupted issues", zap.Int("count", n))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	return shutdown(cfg.Server.ShutdownTimeout, logger, bus, srv, sched, tel, serveErr)
}

// shutdown closes the bus first so open event streams end, then stops the
// HTTP server, running jobs and telemetry export.
func shutdown(timeout time.Duration, logger *logging.Logger, bus *events.Bus, srv *apihttp.Server,
	sched *scheduler.Scheduler, tel *telemetry.Telemetry, serveErr error) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := []error{serveErr}
	bus.Close()
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := sched.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

// newBus builds the notification bus, relaying onto NATS when a URL is
// configured. A NATS connection failure only disables the relay.
func newBus(cfg config.EventsConfig, logger *zap.Logger) (*events.Bus, *nats.Conn) {
	opts := []events.Option{
		events.WithBufferSize(cfg.BufferSize),
		events.WithLogger(logger.Named("events")),
	}
	if cfg.NATSURL == "" {
		return events.NewBus(opts...), nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("autofixd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		logger.Warn("NATS relay disabled", zap.String("url", cfg.NATSURL), zap.Error(err))
		return events.NewBus(opts...), nil
	}
	logger.Info("relaying events to NATS",
		zap.String("url", cfg.NATSURL),
		zap.String("subject_prefix", cfg.SubjectPrefix))

	opts = append(opts, events.WithPublisher(events.NewNATSRelay(nc, cfg.SubjectPrefix)))
	return events.NewBus(opts...), nc
}
