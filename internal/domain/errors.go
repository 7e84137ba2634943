package domain

import "errors"

// 品質エラー（QualityError）。
var (
	// ErrInsufficientQuality はコンテキストまたは鍵の品質が閾値を下回る場合のエラー。
	ErrInsufficientQuality = errors.New("insufficient quality")

	// ErrContextExpired は共有コンテキストが古すぎて利用できない場合のエラー。
	ErrContextExpired = errors.New("shared context expired")
)

// 状態エラー（StateError）。
var (
	// ErrInvalidState は状態機械が要求された状態にない場合のエラー。
	ErrInvalidState = errors.New("invalid state")
)

// 未検出エラー（NotFoundError）。
var (
	// ErrKeyNotFound は対象の鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrConfirmationNotFound は指定ラウンドの確認ハッシュが記録されていない場合のエラー。
	ErrConfirmationNotFound = errors.New("confirmation hash not found")

	// ErrNoSharedContext は共有コンテキストを確立できなかった場合のエラー。
	ErrNoSharedContext = errors.New("no shared context")
)

// ロックアウトエラー（LockoutError）。
var (
	// ErrRecoveryLockedOut は復旧試行回数が上限に達した場合のエラー。
	ErrRecoveryLockedOut = errors.New("recovery locked out")
)

// 鍵確認のエラー。
var (
	// ErrConfirmationMismatch は相手の確認ハッシュが一致しない場合のエラー。
	ErrConfirmationMismatch = errors.New("confirmation mismatch")

	// ErrExchangeIncomplete は鍵交換が完了状態に到達しなかった場合のエラー。
	ErrExchangeIncomplete = errors.New("key exchange incomplete")
)

// センサーのエラー。
var (
	// ErrSensorNotRunning は開始前のセンサーからエントロピーを読もうとした場合のエラー。
	ErrSensorNotRunning = errors.New("sensor not running")

	// ErrSensorUnavailable はセンサーを開始できない場合のエラー。
	ErrSensorUnavailable = errors.New("sensor unavailable")
)

var (
	// ErrInvalidDeviceID はデバイスIDの形式が不正な場合のエラー。
	ErrInvalidDeviceID = errors.New("invalid device ID")

	// ErrInvalidGeneration は世代番号が不正な場合のエラー。
	ErrInvalidGeneration = errors.New("invalid generation")

	// ErrKeyInvalidated は失効済みの鍵を取得しようとした場合のエラー。
	ErrKeyInvalidated = errors.New("key is invalidated")

	// ErrUnknownDevice は本インスタンスが扱わないデバイスへの操作のエラー。
	ErrUnknownDevice = errors.New("device is not served by this instance")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
