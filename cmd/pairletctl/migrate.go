package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pairlet-service/internal/domain"
	"pairlet-service/internal/infra"
	"pairlet-service/internal/repository"
	"pairlet-service/internal/usecase"
	"pairlet-service/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage key_records database migrations",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

// migrationFS は MIGRATIONS_DIR が指定されていればそのディレクトリを、なければ埋め込みのSQLを返す。
func migrationFS() fs.FS {
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func newMigrationService() (*usecase.MigrationService, error) {
	// DB接続情報を環境変数から取得
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := infra.NewDB(dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrationFS()), nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrationService, err := newMigrationService()
			if err != nil {
				return err
			}

			appliedCount, err := migrationService.ApplyMigrations(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrationService, err := newMigrationService()
			if err != nil {
				return err
			}

			statuses, err := migrationService.GetMigrationStatus(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			fmt.Fprintln(w, "-------\t----\t------\t----------")

			for _, migration := range statuses {
				appliedAt := "-"
				if migration.AppliedAt != nil {
					appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
				}

				status := "pending"
				if migration.Status == domain.MigrationStatusApplied {
					status = "applied"
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, status, appliedAt)
			}

			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}
