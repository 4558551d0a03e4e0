// Package cmd implements the nocturne CLI: a persistent job scheduler
// with a single execution slot, cron schedules, retry chains and
// direct-execution reservations.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/duskforge/nocturne/internal/config"
	"github.com/duskforge/nocturne/internal/observability"
	"github.com/duskforge/nocturne/pkg/artifacts"
	"github.com/duskforge/nocturne/pkg/jobhandler"
	"github.com/duskforge/nocturne/pkg/schedstore"
	"github.com/duskforge/nocturne/pkg/scheduler"
	"github.com/duskforge/nocturne/pkg/webhook"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagConfig   string
	flagDB       string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "nocturne",
	Short: "Persistent job scheduler with a single execution slot",
	Long: `nocturne schedules and executes jobs one at a time against a local
SQLite database. Jobs are enqueued ad hoc, stamped from templates, fired
by cron schedules, or run directly under a reservation that pauses the
queue. State survives restarts: a startup recovery pass reconciles
whatever a crash left behind.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       versionInfo.Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (default: ./nocturne.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Path to the scheduler database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("nocturne %s (commit %s, built %s)\n",
		versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate))
}

// loadConfig reads config and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.New(), flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.Store.Path = flagDB
		cfg.Store.URL = ""
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

// openStore opens the database and applies migrations.
func openStore(ctx context.Context, cfg *config.Config) (*schedstore.Store, error) {
	db, err := schedstore.Open(ctx, schedstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, err
	}
	if err := schedstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return schedstore.New(db), nil
}

// buildScheduler assembles the full scheduler over an open store.
func buildScheduler(ctx context.Context, cfg *config.Config, store *schedstore.Store, log *zap.Logger) (*scheduler.Scheduler, error) {
	registry := scheduler.NewRegistry()
	jobhandler.NewCommandHandler(cfg.Scheduler.LogDir, log).Register(registry)

	var notifier scheduler.Notifier = scheduler.NopNotifier{}
	if cfg.Webhook.URL != "" {
		sink := webhook.NewHTTPSink(cfg.Webhook.URL, cfg.Webhook.Timeout)
		notifier = webhook.NewNotifier(store, sink, log)
	}

	archiver, err := artifacts.New(ctx, artifacts.Config{
		Backend:  cfg.Artifacts.Backend,
		Patterns: cfg.Artifacts.Patterns,
		Dir:      cfg.Artifacts.Dir,
		S3:       cfg.Artifacts.S3,
	})
	if err != nil {
		return nil, fmt.Errorf("configure artifact backend: %w", err)
	}

	return scheduler.New(store, registry, notifier, archiver, log, scheduler.Options{
		MaxRetries:        cfg.Scheduler.MaxRetries,
		PollInterval:      cfg.Scheduler.PollInterval,
		ReservationTTL:    cfg.Scheduler.ReservationTTL,
		TriggerInterval:   cfg.Scheduler.TriggerInterval,
		NormalizeInterval: cfg.Scheduler.NormalizeInterval,
	}), nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Logging)
}
