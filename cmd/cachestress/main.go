// Package main implements the cachestress binary: a time-boxed concurrency
// stress run of writers and readers against a fresh WAL-mode SQLite cache.
// Run without arguments it uses the compiled-in defaults.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arkilian/cachestress/internal/config"
	"github.com/arkilian/cachestress/internal/lifecycle"
	"github.com/arkilian/cachestress/internal/observability"
	"github.com/arkilian/cachestress/internal/pool"
	"github.com/arkilian/cachestress/internal/store"
	"github.com/arkilian/cachestress/internal/supervisor"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "cachestress",
		Short: "Concurrency stress harness for a SQLite blob cache",
		Long: `cachestress deletes and recreates cache.db, then runs concurrent writer and
reader tasks through two bounded connection pools until their deadlines expire.

Environment Variables:
  CACHESTRESS_STORE_PATH            Backing file (default cache.db)
  CACHESTRESS_STORE_BUSY_TIMEOUT    Lock wait bound (e.g. 5s)
  CACHESTRESS_WORKLOAD_WRITERS      Number of writer tasks
  CACHESTRESS_WORKLOAD_READERS      Number of reader tasks
  CACHESTRESS_RUN_TASK_DEADLINE     Per-task hard deadline (e.g. 10s)
  CACHESTRESS_RUN_DURATION          Overall run duration (e.g. 10s)`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFile, logLevel, logFormat)
			if err != nil {
				return err
			}
			if err := observability.InitLog(cfg.Log, os.Stderr); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Logging level (debug, info, warn)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Logging format (text, json, color)")

	return cmd
}

// loadConfig loads configuration from defaults or file, then .env files and
// environment, then flags.
func loadConfig(configFile, logLevel, logFormat string) (*config.Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run bootstraps the store, runs the supervisor and logs its report. Task
// outcomes never change the exit status; only setup failures do.
func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printBanner(cfg)

	st, err := store.Bootstrap(ctx, cfg.Store, cfg.Pools.WriterCapacity, cfg.Pools.ReaderCapacity)
	if err != nil {
		log.WithField("err", err).Fatal("store setup failed")
	}

	// Pools are drained, then closed before the store that backs them.
	shutdown := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{DrainTimeout: cfg.Run.ShutdownGrace})
	shutdown.RegisterCloser(st)
	defer shutdown.Shutdown(context.WithoutCancel(ctx), "run complete")

	metrics := observability.NewMetrics()

	writers, err := pool.NewConnectionPool(st.WriteDB(), pool.PoolConfig{
		Name:     "writers",
		Capacity: cfg.Pools.WriterCapacity,
		Observer: metrics,
	})
	if err != nil {
		log.WithField("err", err).Fatal("writer pool setup failed")
	}
	shutdown.RegisterDrainer(writers)
	shutdown.RegisterCloser(writers)

	readers, err := pool.NewConnectionPool(st.ReadDB(), pool.PoolConfig{
		Name:     "readers",
		Capacity: cfg.Pools.ReaderCapacity,
		Observer: metrics,
	})
	if err != nil {
		log.WithField("err", err).Fatal("reader pool setup failed")
	}
	shutdown.RegisterDrainer(readers)
	shutdown.RegisterCloser(readers)

	report, err := supervisor.New(cfg, st, writers, readers, metrics).Run(ctx)
	if err != nil {
		return err
	}
	report.Log()
	return nil
}

// printBanner logs the effective configuration.
func printBanner(cfg *config.Config) {
	log.WithFields(log.Fields{
		"version": version,
		"path":    cfg.Store.Path,
	}).Info("cachestress starting")
	log.WithFields(log.Fields{
		"busy_timeout":       cfg.Store.BusyTimeout,
		"journal_size_limit": cfg.Store.JournalSizeLimit,
		"wal_autocheckpoint": cfg.Store.WALAutoCheckpoint,
	}).Info("store pragmas")
	log.WithFields(log.Fields{
		"writer_capacity": cfg.Pools.WriterCapacity,
		"reader_capacity": cfg.Pools.ReaderCapacity,
		"writers":         cfg.Workload.Writers,
		"readers":         cfg.Workload.Readers,
		"payload_size":    cfg.Workload.PayloadSize,
		"interval":        cfg.Workload.Interval,
		"key_modulus":     cfg.Workload.KeyModulus,
	}).Info("workload")
}
