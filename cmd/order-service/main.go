package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"orderhooks/internal/config"
	"orderhooks/internal/idempotency"
	"orderhooks/internal/logger"
	"orderhooks/pkg/bootstrap"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/migrations"
)

const serviceName = "order-service"

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Order Service with idempotent consumers and webhook delivery",
		Long:  "Order Service consumes order requests exactly once and delivers signed webhooks to subscribers",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(purgeLedgerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	if sugared, ok := log.(*logger.SugaredLogger); ok {
		sugared.SetServiceName(serviceName)
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the order service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx = logging.WithServiceName(ctx, serviceName)

			log.InfowCtx(ctx, "Starting Order Service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
				return err
			}

			log.InfowCtx(ctx, "Service running")
			runErr := app.Run(ctx)
			if err := app.Shutdown(context.Background()); err != nil {
				log.ErrorwCtx(ctx, "Shutdown error", "error", err)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
				return runErr
			}
			log.InfowCtx(ctx, "Service shutdown complete")
			return nil
		},
	}
}

func purgeLedgerCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge-ledger",
		Short: "Delete processed-message records older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			if olderThan <= 0 {
				olderThan = cfg.Idempotency.Retention
			}

			ctx := logging.WithServiceName(cmd.Context(), serviceName)
			connector := bootstrap.NewDatabaseConnector(cfg, log)

			db, err := connector.InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			rdb, err := connector.InitRedis(ctx)
			if err != nil {
				return err
			}
			defer connector.ShutdownDatabases(ctx, rdb, db, nil)

			ledger, err := idempotency.NewLedger(cfg.Idempotency, db, redisClient(rdb))
			if err != nil {
				return err
			}

			purged, err := ledger.PurgeOlderThan(ctx, olderThan)
			if err != nil {
				return err
			}
			log.InfowCtx(ctx, "Ledger purged",
				"backend", cfg.Idempotency.Backend,
				"older_than", olderThan.String(),
				"purged", purged,
			)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention window (defaults to idempotency.retention)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			if cfg.Database.Postgres.Host == "" {
				return fmt.Errorf("database.postgres is not configured")
			}

			db, err := sql.Open("postgres", bootstrap.PostgresDSN(cfg.Database.Postgres))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if err := migrations.RunPostgres(db); err != nil {
				return err
			}

			version, dirty, err := migrations.PostgresVersion(db)
			if err != nil {
				return err
			}
			log.Infow("Migrations applied", "version", version, "dirty", dirty)
			return nil
		},
	}
}
