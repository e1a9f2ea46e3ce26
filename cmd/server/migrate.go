package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/config"
	"github.com/notifyhub/fanout-dispatch/internal/db"
	"github.com/notifyhub/fanout-dispatch/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Long: "Applies the embedded PostgreSQL migrations to DATABASE_URL, or the SQLite " +
		"schema to SQLITE_PATH when STORE_BACKEND=sqlite.",
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Bool("down", false, "roll back every PostgreSQL migration instead of applying them")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	down, _ := cmd.Flags().GetBool("down")

	if cfg.StoreBackend == config.BackendSQLite {
		if down {
			return errors.New("--down is only supported for PostgreSQL")
		}
		sqlDB, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		logger.Info("sqlite schema applied", zap.String("path", cfg.SQLitePath))
		return sqlDB.Close()
	}

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if down {
		if err := db.MigrateDown(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info("database migrations rolled back")
		return nil
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	logger.Info("database migrations applied")
	return nil
}
