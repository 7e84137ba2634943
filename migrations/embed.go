// Package migrations はkey_recordsスキーマのSQLマイグレーションを埋め込む。
package migrations

import "embed"

// FS は {version}_{name}.sql 形式のマイグレーションファイル。
//
//go:embed *.sql
var FS embed.FS
