package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gtfsrt-ingestor/internal/archive"
	"gtfsrt-ingestor/internal/config"
	"gtfsrt-ingestor/internal/db"
	"gtfsrt-ingestor/internal/static"
)

// openForMaintenance resolves the DSN from flag or environment and opens a
// fresh handle. The subcommands are the only database users while they run.
func openForMaintenance(ctx context.Context, dsnFlag string) (*config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if dsnFlag != "" {
		cfg.DatabaseURL = dsnFlag
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL or --database-url must be set")
	}
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return cfg, sqlDB, nil
}

func newRefreshStaticCmd() *cobra.Command {
	var dsn, zipPath, zipURL string
	cmd := &cobra.Command{
		Use:   "refresh-static",
		Short: "Replace the dimension tables from a GTFS static bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, sqlDB, err := openForMaintenance(ctx, dsn)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if zipPath == "" {
				zipPath = cfg.StaticZipPath
			}
			if zipURL == "" {
				zipURL = cfg.StaticZipURL
			}
			return static.Refresh(ctx, sqlDB, zipPath, zipURL)
		},
	}
	cmd.Flags().StringVar(&dsn, "database-url", "", "PostgreSQL DSN (overrides DATABASE_URL)")
	cmd.Flags().StringVar(&zipPath, "zip-path", "", "local GTFS static zip (overrides STATIC_ZIP_PATH)")
	cmd.Flags().StringVar(&zipURL, "zip-url", "", "GTFS static zip URL (overrides STATIC_ZIP_URL)")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	var dsn string
	var retentionDays float64
	var force, dryRun bool
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export old snapshot days to compressed CSV and delete them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, sqlDB, err := openForMaintenance(ctx, dsn)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if !cmd.Flags().Changed("retention-days") {
				retentionDays = cfg.ArchiveRetentionDays
			}
			return archive.Run(ctx, sqlDB, archive.Options{
				RetentionDays: retentionDays,
				Force:         force,
				DryRun:        dryRun,
			})
		},
	}
	cmd.Flags().StringVar(&dsn, "database-url", "", "PostgreSQL DSN (overrides DATABASE_URL)")
	cmd.Flags().Float64Var(&retentionDays, "retention-days", 7, "archive snapshot days older than this")
	cmd.Flags().BoolVar(&force, "force", false, "archive every day before today regardless of retention")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be archived without writing")
	return cmd
}
