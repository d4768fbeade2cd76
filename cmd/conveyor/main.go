package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/internal/artifacts"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/intake"
	"github.com/conveyor-ci/conveyor/internal/notify"
	conveyorotel "github.com/conveyor-ci/conveyor/internal/otel"
	"github.com/conveyor-ci/conveyor/internal/progress"
	"github.com/conveyor-ci/conveyor/internal/report"
	"github.com/conveyor-ci/conveyor/internal/scheduler"
	"github.com/conveyor-ci/conveyor/internal/server"
	"github.com/conveyor-ci/conveyor/internal/webhook"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "CI orchestrator -- schedules ephemeral workers for commit and PR test runs",
	Long: `conveyor receives source-control webhooks, creates one test entry per
platform for each eligible commit, provisions short-lived workers on a
pluggable compute engine (Docker, GCP) and reports results back as
commit statuses and PR comments.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Addr, "addr", "", "HTTP listen address")
	f.StringVar(&flagOverrides.Server.PublicURL, "public-url", "", "Externally reachable base URL of this service")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "GitHub personal access token")
	f.StringVar(&flagOverrides.GitHub.Owner, "owner", "", "Repository owner")
	f.StringVar(&flagOverrides.GitHub.Repository, "repo", "", "Repository name")
	f.StringVar(&flagOverrides.GitHub.WebhookSecret, "webhook-secret", "", "Webhook signing secret")

	// Engine overrides
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (docker, gcp)")

	// Storage overrides
	f.StringVar(&flagOverrides.Storage.Database, "database", "", "SQLite database path")
	f.StringVar(&flagOverrides.Storage.ArtifactsDir, "artifacts-dir", "", "Artifact storage root")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Server.PublicURL != "" {
		cfg.Server.PublicURL = flagOverrides.Server.PublicURL
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.Owner != "" {
		cfg.GitHub.Owner = flagOverrides.GitHub.Owner
	}
	if flagOverrides.GitHub.Repository != "" {
		cfg.GitHub.Repository = flagOverrides.GitHub.Repository
	}
	if flagOverrides.GitHub.WebhookSecret != "" {
		cfg.GitHub.WebhookSecret = flagOverrides.GitHub.WebhookSecret
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Storage.Database != "" {
		cfg.Storage.Database = flagOverrides.Storage.Database
	}
	if flagOverrides.Storage.ArtifactsDir != "" {
		cfg.Storage.ArtifactsDir = flagOverrides.Storage.ArtifactsDir
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.Any("platforms", cfg.Platforms),
		slog.String("addr", cfg.Server.Addr),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	otelShutdown, err := conveyorotel.SetupOTelSDK(ctx, "conveyor", conveyorotel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: *cfg.OTel.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Open store and artifact storage
	// ---------------------------------------------------------------
	st, err := cfg.NewStore()
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	art, err := artifacts.New(cfg.Storage.ArtifactsDir)
	if err != nil {
		return fmt.Errorf("preparing artifact storage: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Initialize compute engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := eng.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("engine shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 6. Outbound reporting
	// ---------------------------------------------------------------
	reporter := report.NewGitHub(
		cfg.GitHub.Token,
		cfg.GitHub.Owner,
		cfg.GitHub.Repository,
		cfg.GitHub.BotName,
		logger.WithGroup("report"),
	)

	var badges *report.BadgeUpdater
	if cfg.Storage.BadgeSourceDir != "" && cfg.Storage.BadgeTargetDir != "" {
		badges = &report.BadgeUpdater{
			SourceDir: cfg.Storage.BadgeSourceDir,
			TargetDir: cfg.Storage.BadgeTargetDir,
		}
	}

	var notifier notify.Notifier
	if cfg.Notify.Enabled() {
		notifier = &notify.Mailgun{
			APIBase: cfg.Notify.APIBase,
			APIKey:  cfg.Notify.APIKey,
			From:    cfg.Notify.From,
			To:      cfg.Notify.To,
		}
	}

	// ---------------------------------------------------------------
	// 7. Core components
	// ---------------------------------------------------------------
	platforms := cfg.ParsedPlatforms()
	factory := intake.New(st, platforms, logger.WithGroup("intake"))

	schedCfg := scheduler.Config{
		Interval:        cfg.Scheduler.Interval.Std(),
		BatchSize:       cfg.Scheduler.BatchSize,
		MaxRuntime:      cfg.Scheduler.MaxRuntime.Std(),
		CallbackBaseURL: cfg.Server.PublicURL,
	}
	schedCfg.ApplyDefaults()
	if err := schedCfg.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler configuration: %w", err)
	}
	sched := scheduler.New(schedCfg, st, eng, reporter, platforms, logger.WithGroup("scheduler"))

	ranges := webhook.NewRangeCache(reporter, cfg.Webhook.RangeTTL.Std(), nil)
	hookCfg := webhook.Config{
		Secret:        cfg.GitHub.WebhookSecret,
		DefaultBranch: cfg.Webhook.DefaultBranch,
		BuildNames:    cfg.Webhook.BuildNames,
	}
	hookCfg.ApplyDefaults()
	if err := hookCfg.Validate(); err != nil {
		return fmt.Errorf("invalid webhook configuration: %w", err)
	}
	hooks := webhook.New(hookCfg, st, factory, sched, reporter, notifier, ranges, platforms, logger.WithGroup("webhook"))

	callbacks := progress.New(progress.Config{
		ResultsBaseURL: cfg.Server.PublicURL,
	}, st, eng, reporter, art, badges, logger.WithGroup("progress"))

	// ---------------------------------------------------------------
	// 8. HTTP server
	// ---------------------------------------------------------------
	srv := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		EngineType: cfg.Engine.Type,
		Metrics:    *cfg.OTel.Prometheus,
	}, st, hooks, callbacks, logger.WithGroup("server"))

	// ---------------------------------------------------------------
	// 9. Run
	// ---------------------------------------------------------------
	go sched.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining http server: %w", err)
	}
	return nil
}
