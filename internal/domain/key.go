// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyStatus は鍵レコードのステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は現在有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusExpired はローテーションまたは復旧で置き換えられた鍵を表す。
	KeyStatusExpired KeyStatus = "expired"
	// KeyStatusInvalidated は明示的に失効させられた鍵を表す。
	KeyStatusInvalidated KeyStatus = "invalidated"
)

// 失効理由。
const (
	ReasonRoutineRotation = "Routine rotation"
	ReasonKeyRecovery     = "Key recovery"
)

// DerivedKey は共有コンテキストから導出された対称鍵を表す。
type DerivedKey struct {
	Key              []byte
	GeneratedAt      time.Time
	Quality          float64
	VerificationHash []byte // hash(Key)
}

// Clone は鍵素材を複製したDerivedKeyを返す。
func (k DerivedKey) Clone() DerivedKey {
	out := k
	out.Key = append([]byte(nil), k.Key...)
	out.VerificationHash = append([]byte(nil), k.VerificationHash...)
	return out
}

// KeyRecord は鍵とライフサイクル情報を表す。
type KeyRecord struct {
	ID                 string
	Generation         uint
	Key                DerivedKey
	Status             KeyStatus
	ActivatedAt        time.Time
	DeactivatedAt      *time.Time
	DeactivationReason string
}

// Deactivate はレコードを非アクティブ状態へ遷移させる。
func (r *KeyRecord) Deactivate(status KeyStatus, at time.Time, reason string) {
	r.Status = status
	r.DeactivatedAt = &at
	r.DeactivationReason = reason
}

// StoredKeyRecord は永続化された鍵レコードを表す（鍵素材は暗号化済み）。
type StoredKeyRecord struct {
	ID                 string
	DeviceID           string
	Generation         uint
	EncryptedKey       []byte
	VerificationHash   []byte
	Quality            float64
	Status             KeyStatus
	GeneratedAt        time.Time
	ActivatedAt        time.Time
	DeactivatedAt      *time.Time
	DeactivationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// KeyMetadata は鍵レコードのメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	DeviceID           string
	Generation         uint
	Status             KeyStatus
	Quality            float64
	VerificationHash   []byte
	ActivatedAt        time.Time
	DeactivatedAt      *time.Time
	DeactivationReason string
}

// Key は復号済みの鍵を表す。
type Key struct {
	DeviceID   string
	Generation uint
	Key        []byte
}

// RecoveryInfo は鍵復旧の状態を表す。
type RecoveryInfo struct {
	DeviceID    string
	Status      string
	Attempts    int
	MaxAttempts int
	LockedOut   bool
	StartedAt   *time.Time
}
