// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pairlet-service/internal/domain"
)

const tracerName = "pairlet-service/internal/usecase"

// KeyRecordRepository は鍵レコードのデータアクセスのインターフェース。
type KeyRecordRepository interface {
	Create(ctx context.Context, rec *domain.StoredKeyRecord) error
	ReplaceActive(ctx context.Context, rec *domain.StoredKeyRecord, previousID string, reason string) error
	UpdateStatus(ctx context.Context, id string, status domain.KeyStatus, at time.Time, reason string) error
	FindActiveByDeviceID(ctx context.Context, deviceID string) (*domain.StoredKeyRecord, error)
	FindByDeviceIDAndGeneration(ctx context.Context, deviceID string, generation uint) (*domain.StoredKeyRecord, error)
	FindAllByDeviceID(ctx context.Context, deviceID string) ([]*domain.StoredKeyRecord, error)
	PruneInactive(ctx context.Context, deviceID string, keep int) (int64, error)
}

// KMSClient は暗号化/復号のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyService は1台のデバイスの鍵ライフサイクルを管理し、鍵素材をKMSで暗号化して永続化する。
type KeyService struct {
	device    *Device
	repo      KeyRecordRepository
	kmsClient KMSClient
	tracer    trace.Tracer
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(device *Device, repo KeyRecordRepository, kmsClient KMSClient) *KeyService {
	return &KeyService{
		device:    device,
		repo:      repo,
		kmsClient: kmsClient,
		tracer:    otel.Tracer(tracerName),
	}
}

// DeviceID は本サービスが扱うデバイスIDを返す。
func (s *KeyService) DeviceID() string {
	return s.device.ID
}

// Device はプロトコル部品一式を返す。
func (s *KeyService) Device() *Device {
	return s.device
}

// Load は永続化されたアクティブ鍵と履歴をKeyRotationへ復元する。
func (s *KeyService) Load(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "KeyService.Load",
		trace.WithAttributes(attribute.String("device_id", s.device.ID)))
	defer span.End()

	stored, err := s.repo.FindAllByDeviceID(ctx, s.device.ID)
	if err != nil {
		return s.fail(span, fmt.Errorf("finding keys: %w", err))
	}

	var active *domain.KeyRecord
	var history []domain.KeyRecord
	for _, st := range stored {
		rec, err := s.decryptRecord(ctx, st)
		if err != nil {
			return s.fail(span, err)
		}
		if rec.Status == domain.KeyStatusActive && active == nil {
			active = rec
			continue
		}
		history = append(history, *rec)
	}

	s.device.Rotation.Restore(active, history)
	slog.InfoContext(ctx, "key state restored",
		"operation", "load",
		"device_id", s.device.ID,
		"records", len(stored),
		"has_active", active != nil,
	)
	return nil
}

// EstablishContext は相手のウィンドウと共有コンテキストを確立する。確立できない場合は ErrNoSharedContext。
func (s *KeyService) EstablishContext(ctx context.Context, peerWindows []domain.MeasurementWindow) (*domain.SharedContext, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.EstablishContext",
		trace.WithAttributes(attribute.Int("peer_windows", len(peerWindows))))
	defer span.End()

	sc, err := s.device.Contexts.EstablishContext(ctx, peerWindows)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if sc == nil {
		return nil, s.fail(span, fmt.Errorf("%w: co-presence not established", domain.ErrNoSharedContext))
	}
	span.SetAttributes(attribute.Float64("quality", sc.Quality))
	return sc, nil
}

// RotateIfNeeded はローテーションが必要な場合に peer と鍵交換を行い、新しい鍵を永続化する。
// 確認フェーズには ExchangeConfig.ConfirmationTimeout の期限を設ける。
// ローテーションを行った場合は true を返す。
func (s *KeyService) RotateIfNeeded(ctx context.Context, sc *domain.SharedContext, peer PeerConfirmer) (*domain.KeyMetadata, bool, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.RotateIfNeeded",
		trace.WithAttributes(attribute.String("device_id", s.device.ID)))
	defer span.End()

	if err := s.checkContext(sc); err != nil {
		return nil, false, s.fail(span, err)
	}

	rotation := s.device.Rotation
	if !rotation.NeedsRotation(sc) {
		active := rotation.ActiveKey()
		if active == nil {
			return nil, false, nil
		}
		return s.metadata(active), false, nil
	}

	previous := rotation.ActiveKey()
	snap := rotation.snapshot()

	exchange := s.device.Exchange
	if exchange.Status() == ExchangeFailed {
		exchange.Reset()
	}
	rctx, cancel := context.WithTimeout(ctx, exchange.ConfirmationTimeout())
	defer cancel()

	rec, err := rotation.RotateKeyWithPeer(rctx, sc, exchange, peer)
	if err != nil {
		exchange.Reset()
		slog.WarnContext(ctx, "key rotation failed",
			"operation", "rotate_key",
			"device_id", s.device.ID,
			"error", err,
		)
		return nil, false, s.fail(span, fmt.Errorf("rotating key: %w", err))
	}

	if err := s.persist(ctx, rec, previous, domain.ReasonRoutineRotation); err != nil {
		rotation.rollback(snap)
		return nil, false, s.fail(span, err)
	}

	span.SetAttributes(attribute.Int("generation", int(rec.Generation)))
	return s.metadata(rec), true, nil
}

// InvalidateKey はアクティブ鍵を失効させ、永続化されたレコードも invalidated にする。
func (s *KeyService) InvalidateKey(ctx context.Context, deviceID, reason string) (*domain.KeyMetadata, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.InvalidateKey",
		trace.WithAttributes(attribute.String("device_id", deviceID)))
	defer span.End()

	if err := s.checkDevice(deviceID); err != nil {
		return nil, s.fail(span, err)
	}

	snap := s.device.Rotation.snapshot()
	rec := s.device.Rotation.InvalidateKey(reason)
	if rec == nil {
		return nil, s.fail(span, fmt.Errorf("%w: no active key to invalidate", domain.ErrKeyNotFound))
	}

	if err := s.repo.UpdateStatus(ctx, rec.ID, rec.Status, *rec.DeactivatedAt, reason); err != nil {
		s.device.Rotation.rollback(snap)
		return nil, s.fail(span, fmt.Errorf("updating status: %w", err))
	}

	slog.InfoContext(ctx, "key invalidated",
		"operation", "invalidate_key",
		"device_id", deviceID,
		"generation", rec.Generation,
		"reason", reason,
	)
	return s.metadata(rec), nil
}

// RecoverKey は新しい共有コンテキストで鍵復旧を行い、復旧した鍵を永続化する。
func (s *KeyService) RecoverKey(ctx context.Context, sc *domain.SharedContext, peer PeerConfirmer) (*domain.KeyMetadata, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.RecoverKey",
		trace.WithAttributes(attribute.String("device_id", s.device.ID)))
	defer span.End()

	recovery := s.device.Recovery
	exchange := s.device.Exchange
	recovery.Reset()
	exchange.Reset()

	if err := recovery.StartRecovery(sc); err != nil {
		return nil, s.failRecovery(ctx, span, fmt.Errorf("starting recovery: %w", err))
	}
	if _, err := recovery.GenerateRecoveryKey(sc); err != nil {
		return nil, s.failRecovery(ctx, span, fmt.Errorf("generating recovery key: %w", err))
	}
	if err := exchange.StartExchange(sc); err != nil {
		exchange.Reset()
		return nil, s.failRecovery(ctx, span, fmt.Errorf("starting recovery exchange: %w", err))
	}

	previous := s.device.Rotation.ActiveKey()
	snap := s.device.Rotation.snapshot()

	rctx, cancel := context.WithTimeout(ctx, exchange.ConfirmationTimeout())
	defer cancel()

	rec, err := recovery.VerifyRecoveryWithPeer(rctx, exchange, s.device.Rotation, peer)
	if err != nil {
		exchange.Reset()
		return nil, s.failRecovery(ctx, span, fmt.Errorf("verifying recovery: %w", err))
	}

	if err := s.persist(ctx, rec, previous, domain.ReasonKeyRecovery); err != nil {
		s.device.Rotation.rollback(snap)
		return nil, s.fail(span, err)
	}
	return s.metadata(rec), nil
}

// RecoveryStatus は鍵復旧の状態を返す。
func (s *KeyService) RecoveryStatus(ctx context.Context, deviceID string) (*domain.RecoveryInfo, error) {
	if err := s.checkDevice(deviceID); err != nil {
		return nil, err
	}
	recovery := s.device.Recovery
	return &domain.RecoveryInfo{
		DeviceID:    deviceID,
		Status:      recovery.Status().String(),
		Attempts:    recovery.Attempts(),
		MaxAttempts: recovery.MaxAttempts(),
		LockedOut:   recovery.IsLockedOut(),
		StartedAt:   recovery.StartedAt(),
	}, nil
}

// GetActiveKey は指定されたデバイスのアクティブ鍵を復号して取得する。
func (s *KeyService) GetActiveKey(ctx context.Context, deviceID string) (*domain.Key, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.GetActiveKey",
		trace.WithAttributes(attribute.String("device_id", deviceID)))
	defer span.End()

	stored, err := s.repo.FindActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("finding active key: %w", err))
	}
	if stored == nil {
		return nil, domain.ErrKeyNotFound
	}

	plainKey, err := s.kmsClient.Decrypt(ctx, stored.EncryptedKey)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("decrypting key: %w", err))
	}
	return &domain.Key{
		DeviceID:   stored.DeviceID,
		Generation: stored.Generation,
		Key:        plainKey,
	}, nil
}

// GetKeyByGeneration は指定されたデバイス・世代の鍵を復号して取得する。失効済みの鍵は返さない。
func (s *KeyService) GetKeyByGeneration(ctx context.Context, deviceID string, generation uint) (*domain.Key, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.GetKeyByGeneration",
		trace.WithAttributes(
			attribute.String("device_id", deviceID),
			attribute.Int("generation", int(generation)),
		))
	defer span.End()

	stored, err := s.repo.FindByDeviceIDAndGeneration(ctx, deviceID, generation)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("finding key: %w", err))
	}
	if stored == nil {
		return nil, domain.ErrKeyNotFound
	}
	if stored.Status == domain.KeyStatusInvalidated {
		return nil, domain.ErrKeyInvalidated
	}

	plainKey, err := s.kmsClient.Decrypt(ctx, stored.EncryptedKey)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("decrypting key: %w", err))
	}
	return &domain.Key{
		DeviceID:   stored.DeviceID,
		Generation: stored.Generation,
		Key:        plainKey,
	}, nil
}

// ListKeys は指定されたデバイスの全鍵メタデータを新しい世代順に取得する。
func (s *KeyService) ListKeys(ctx context.Context, deviceID string) ([]*domain.KeyMetadata, error) {
	stored, err := s.repo.FindAllByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(stored))
	for i, st := range stored {
		metadata[i] = &domain.KeyMetadata{
			DeviceID:           st.DeviceID,
			Generation:         st.Generation,
			Status:             st.Status,
			Quality:            st.Quality,
			VerificationHash:   st.VerificationHash,
			ActivatedAt:        st.ActivatedAt,
			DeactivatedAt:      st.DeactivatedAt,
			DeactivationReason: st.DeactivationReason,
		}
	}
	return metadata, nil
}

// persist は新しいアクティブ鍵を暗号化して保存し、置き換えられた鍵を expired にして古い履歴を削除する。
// 保存と expired 化は1つのトランザクションで行う。エラーの場合、呼び出し側は KeyRotation を元に戻すこと。
func (s *KeyService) persist(ctx context.Context, rec, previous *domain.KeyRecord, reason string) error {
	encryptedKey, err := s.kmsClient.Encrypt(ctx, rec.Key.Key)
	if err != nil {
		return fmt.Errorf("encrypting key: %w", err)
	}

	stored := &domain.StoredKeyRecord{
		ID:               rec.ID,
		DeviceID:         s.device.ID,
		Generation:       rec.Generation,
		EncryptedKey:     encryptedKey,
		VerificationHash: rec.Key.VerificationHash,
		Quality:          rec.Key.Quality,
		Status:           rec.Status,
		GeneratedAt:      rec.Key.GeneratedAt,
		ActivatedAt:      rec.ActivatedAt,
	}
	var previousID string
	if previous != nil {
		previousID = previous.ID
	}
	if err := s.repo.ReplaceActive(ctx, stored, previousID, reason); err != nil {
		return fmt.Errorf("replacing active key record: %w", err)
	}

	// 削除に失敗した履歴は次回の永続化で再度削除される
	pruned, err := s.repo.PruneInactive(ctx, s.device.ID, s.device.Rotation.Config().MaxHistorySize)
	if err != nil {
		slog.WarnContext(ctx, "failed to prune key history",
			"operation", "persist_key",
			"device_id", s.device.ID,
			"error", err,
		)
	}

	slog.InfoContext(ctx, "key record persisted",
		"operation", "persist_key",
		"device_id", s.device.ID,
		"generation", rec.Generation,
		"reason", reason,
		"pruned", pruned,
	)
	return nil
}

func (s *KeyService) decryptRecord(ctx context.Context, st *domain.StoredKeyRecord) (*domain.KeyRecord, error) {
	plainKey, err := s.kmsClient.Decrypt(ctx, st.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting key generation %d: %w", st.Generation, err)
	}
	return &domain.KeyRecord{
		ID:         st.ID,
		Generation: st.Generation,
		Key: domain.DerivedKey{
			Key:              plainKey,
			GeneratedAt:      st.GeneratedAt,
			Quality:          st.Quality,
			VerificationHash: st.VerificationHash,
		},
		Status:             st.Status,
		ActivatedAt:        st.ActivatedAt,
		DeactivatedAt:      st.DeactivatedAt,
		DeactivationReason: st.DeactivationReason,
	}, nil
}

func (s *KeyService) checkContext(sc *domain.SharedContext) error {
	if sc == nil {
		return domain.ErrNoSharedContext
	}
	if s.device.Contexts.IsContextValid(sc) {
		return nil
	}
	if minQuality := s.device.Contexts.Config().MinQuality; sc.Quality < minQuality {
		return fmt.Errorf("%w: context quality %.3f below %.3f", domain.ErrInsufficientQuality, sc.Quality, minQuality)
	}
	return fmt.Errorf("%w: established at %s", domain.ErrContextExpired, sc.EstablishedAt.Format(time.RFC3339))
}

func (s *KeyService) checkDevice(deviceID string) error {
	if deviceID != s.device.ID {
		return fmt.Errorf("%w: %s", domain.ErrUnknownDevice, deviceID)
	}
	return nil
}

func (s *KeyService) metadata(rec *domain.KeyRecord) *domain.KeyMetadata {
	return &domain.KeyMetadata{
		DeviceID:           s.device.ID,
		Generation:         rec.Generation,
		Status:             rec.Status,
		Quality:            rec.Key.Quality,
		VerificationHash:   rec.Key.VerificationHash,
		ActivatedAt:        rec.ActivatedAt,
		DeactivatedAt:      rec.DeactivatedAt,
		DeactivationReason: rec.DeactivationReason,
	}
}

func (s *KeyService) failRecovery(ctx context.Context, span trace.Span, err error) error {
	slog.WarnContext(ctx, "key recovery failed",
		"operation", "recover_key",
		"device_id", s.device.ID,
		"attempts", s.device.Recovery.Attempts(),
		"locked_out", s.device.Recovery.IsLockedOut(),
		"error", err,
	)
	return s.fail(span, err)
}

func (s *KeyService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
