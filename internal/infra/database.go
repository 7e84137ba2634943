// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"pairlet-service/config"
)

// dialector はDSNのスキームからgormのドライバを選ぶ。
// "sqlite:" / "file:" / ":memory:" はSQLite、それ以外はMySQLとして扱う。
func dialector(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), true
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:":
		return sqlite.Open(dsn), true
	default:
		return mysql.Open(dsn), false
	}
}

// NewDB はgormによるデータベース接続を初期化する。
// OTEL_ENABLED の場合はクエリのトレースを有効にする。
func NewDB(dsn string, cfg *config.Config) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	d, isSQLite := dialector(dsn)

	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if cfg != nil && cfg.OtelEnabled {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("enabling gorm tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	if isSQLite {
		// SQLiteは単一接続で書き込みを直列化する
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}
