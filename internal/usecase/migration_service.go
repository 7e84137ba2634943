package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"pairlet-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
}

// MigrationService はkey_recordsスキーマのマイグレーションを実行する。
type MigrationService struct {
	repo MigrationRepository
	db   *gorm.DB
	fsys fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
// fsys のルート直下にある {version}_{name}.sql を対象とする。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, fsys fs.FS) *MigrationService {
	return &MigrationService{
		repo: repo,
		db:   db,
		fsys: fsys,
	}
}

// scanMigrationFiles は.sqlファイルをバージョン順に列挙する。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migrations []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", domain.ErrInvalidMigrationFile, version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			FilePath: entry.Name(),
			Status:   domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_key_records.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	parts := strings.SplitN(strings.TrimSuffix(filename, ".sql"), "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("preparing schema_migrations: %w", err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	var pending []*domain.Migration
	for _, migration := range allMigrations {
		applied, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			return 0, fmt.Errorf("checking migration status: %w", err)
		}
		if !applied {
			pending = append(pending, migration)
		}
	}

	appliedCount := 0
	for _, migration := range pending {
		if err := s.applyMigration(ctx, migration); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", migration.Version,
			"name", migration.Name,
		)
		appliedCount++
	}
	return appliedCount, nil
}

// applyMigration は単一のマイグレーションをトランザクション内で実行し、履歴を記録する。
func (s *MigrationService) applyMigration(ctx context.Context, migration *domain.Migration) error {
	sqlBytes, err := fs.ReadFile(s.fsys, migration.FilePath)
	if err != nil {
		return fmt.Errorf("reading migration file: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(string(sqlBytes)).Error; err != nil {
			return fmt.Errorf("executing migration SQL: %w", err)
		}

		record := map[string]any{
			"version":    migration.Version,
			"applied_at": time.Now().UTC(),
		}
		if err := tx.Table("schema_migrations").Create(record).Error; err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// GetMigrationStatus は全マイグレーションの適用状況を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("preparing schema_migrations: %w", err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}

	appliedMap := make(map[string]*domain.Migration, len(applied))
	for _, m := range applied {
		appliedMap[m.Version] = m
	}
	for _, migration := range allMigrations {
		if a, ok := appliedMap[migration.Version]; ok {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = a.AppliedAt
		}
	}
	return allMigrations, nil
}
