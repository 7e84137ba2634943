// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pairlet-service/internal/domain"
)

// KeyRecordModel はgorm用のモデル定義。
type KeyRecordModel struct {
	ID                 string     `gorm:"type:char(36);primaryKey"`
	DeviceID           string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_device_generation;index:idx_device_status"`
	Generation         uint       `gorm:"not null;uniqueIndex:uk_device_generation"`
	EncryptedKey       []byte     `gorm:"type:blob;not null"`
	VerificationHash   []byte     `gorm:"type:blob;not null"`
	Quality            float64    `gorm:"not null"`
	Status             string     `gorm:"type:varchar(16);not null;default:'active';index:idx_device_status"`
	GeneratedAt        time.Time  `gorm:"type:datetime(6);not null"`
	ActivatedAt        time.Time  `gorm:"type:datetime(6);not null"`
	DeactivatedAt      *time.Time `gorm:"type:datetime(6)"`
	DeactivationReason string     `gorm:"type:varchar(255);not null;default:''"`
	CreatedAt          time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// BeforeCreate はIDが未設定の場合にUUIDを生成する。
func (m *KeyRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.StoredKeyRecord {
	return &domain.StoredKeyRecord{
		ID:                 m.ID,
		DeviceID:           m.DeviceID,
		Generation:         m.Generation,
		EncryptedKey:       m.EncryptedKey,
		VerificationHash:   m.VerificationHash,
		Quality:            m.Quality,
		Status:             domain.KeyStatus(m.Status),
		GeneratedAt:        m.GeneratedAt,
		ActivatedAt:        m.ActivatedAt,
		DeactivatedAt:      m.DeactivatedAt,
		DeactivationReason: m.DeactivationReason,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// KeyRecordRepository は鍵レコードのデータアクセスを提供する。
type KeyRecordRepository struct {
	db *gorm.DB
}

// NewKeyRecordRepository は新しいKeyRecordRepositoryを生成する。
func NewKeyRecordRepository(db *gorm.DB) *KeyRecordRepository {
	return &KeyRecordRepository{db: db}
}

// Create は新しい鍵レコードを保存する。
func (r *KeyRecordRepository) Create(ctx context.Context, rec *domain.StoredKeyRecord) error {
	return create(r.db.WithContext(ctx), rec)
}

// ReplaceActive は新しいアクティブ鍵の保存と直前のアクティブ鍵の expired 化を1つのトランザクションで行う。
// previousID が空の場合は保存のみ行う。どちらかが失敗した場合は何も反映しない。
func (r *KeyRecordRepository) ReplaceActive(ctx context.Context, rec *domain.StoredKeyRecord, previousID string, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := create(tx, rec); err != nil {
			return err
		}
		if previousID == "" {
			return nil
		}
		return updateStatus(tx, previousID, domain.KeyStatusExpired, rec.ActivatedAt, reason)
	})
}

func create(db *gorm.DB, rec *domain.StoredKeyRecord) error {
	ctx := db.Statement.Context
	model := &KeyRecordModel{
		ID:                 rec.ID,
		DeviceID:           rec.DeviceID,
		Generation:         rec.Generation,
		EncryptedKey:       rec.EncryptedKey,
		VerificationHash:   rec.VerificationHash,
		Quality:            rec.Quality,
		Status:             string(rec.Status),
		GeneratedAt:        rec.GeneratedAt,
		ActivatedAt:        rec.ActivatedAt,
		DeactivatedAt:      rec.DeactivatedAt,
		DeactivationReason: rec.DeactivationReason,
	}
	if err := db.Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key record",
			"operation", "create",
			"device_id", rec.DeviceID,
			"generation", rec.Generation,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	rec.UpdatedAt = model.UpdatedAt
	return nil
}

// UpdateStatus は指定されたIDの鍵レコードを非アクティブ状態に更新する。
func (r *KeyRecordRepository) UpdateStatus(ctx context.Context, id string, status domain.KeyStatus, at time.Time, reason string) error {
	return updateStatus(r.db.WithContext(ctx), id, status, at, reason)
}

func updateStatus(db *gorm.DB, id string, status domain.KeyStatus, at time.Time, reason string) error {
	ctx := db.Statement.Context
	result := db.
		Model(&KeyRecordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":              string(status),
			"deactivated_at":      at,
			"deactivation_reason": reason,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update status",
			"operation", "update_status",
			"id", id,
			"status", status,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

// FindActiveByDeviceID は指定されたデバイスのアクティブな鍵レコードを取得する。
func (r *KeyRecordRepository) FindActiveByDeviceID(ctx context.Context, deviceID string) (*domain.StoredKeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, string(domain.KeyStatusActive)).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key record",
			"operation", "find_active_by_device_id",
			"device_id", deviceID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByDeviceIDAndGeneration は指定されたデバイス・世代の鍵レコードを取得する。
func (r *KeyRecordRepository) FindByDeviceIDAndGeneration(ctx context.Context, deviceID string, generation uint) (*domain.StoredKeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND generation = ?", deviceID, generation).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key record",
			"operation", "find_by_device_id_and_generation",
			"device_id", deviceID,
			"generation", generation,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAllByDeviceID は指定されたデバイスの全鍵レコードを新しい世代順に取得する。
func (r *KeyRecordRepository) FindAllByDeviceID(ctx context.Context, deviceID string) ([]*domain.StoredKeyRecord, error) {
	var models []KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("generation DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key records by device_id",
			"operation", "find_all_by_device_id",
			"device_id", deviceID,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.StoredKeyRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}

// PruneInactive は非アクティブな鍵レコードのうち新しい keep 件を残して削除し、削除件数を返す。
func (r *KeyRecordRepository) PruneInactive(ctx context.Context, deviceID string, keep int) (int64, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("device_id = ? AND status <> ?", deviceID, string(domain.KeyStatusActive)).
		Order("generation DESC").
		Pluck("id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list inactive key records",
			"operation", "prune_inactive",
			"device_id", deviceID,
			"error", err,
		)
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(ids) <= keep {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Where("id IN ?", ids[keep:]).
		Delete(&KeyRecordModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to prune key records",
			"operation", "prune_inactive",
			"device_id", deviceID,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
