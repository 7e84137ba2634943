package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

// PeerConfirmer は相手デバイスと確認ハッシュを交換するトランスポート。
// 自身のハッシュを送り、同じラウンドの相手のハッシュを返す。
type PeerConfirmer interface {
	ExchangeConfirmation(ctx context.Context, round int, ours []byte) ([]byte, error)
}

// LoopbackConfirmer は自身のハッシュをそのまま相手のハッシュとして返すPeerConfirmer。
// 相手と同一のコンテキストを共有していることが別経路で保証されている場合に使う。
type LoopbackConfirmer struct{}

// ExchangeConfirmation は ours をそのまま返す。
func (LoopbackConfirmer) ExchangeConfirmation(_ context.Context, _ int, ours []byte) ([]byte, error) {
	return ours, nil
}

// KeyRotation はアクティブ鍵と失効済み鍵の履歴を管理する。
type KeyRotation struct {
	config domain.RotationConfig
	clock  clock.Clock

	mu             sync.RWMutex
	active         *domain.KeyRecord
	history        []domain.KeyRecord // 新しい順
	lastRotation   *time.Time
	nextGeneration uint
}

// NewKeyRotation は新しいKeyRotationを生成する。
func NewKeyRotation(cfg domain.RotationConfig, clk clock.Clock) *KeyRotation {
	if clk == nil {
		clk = clock.Real()
	}
	return &KeyRotation{
		config:         cfg,
		clock:          clk,
		nextGeneration: 1,
	}
}

// Config はローテーション設定を返す。
func (r *KeyRotation) Config() domain.RotationConfig {
	return r.config
}

// NeedsRotation はローテーションが必要かを判定する。
// アクティブ鍵がない、鍵の寿命切れ、または高品質コンテキストかつ前回ローテーションから十分経過した場合にtrue。
func (r *KeyRotation) NeedsRotation(sc *domain.SharedContext) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == nil {
		return true
	}
	if clock.Since(r.clock, r.active.Key.GeneratedAt) > r.config.MaxKeyLifetime {
		return true
	}
	if sc != nil && sc.Quality >= r.config.RotationQualityThreshold && r.lastRotation != nil {
		if clock.Since(r.clock, *r.lastRotation) >= r.config.MinRotationInterval {
			return true
		}
	}
	return false
}

// RotateKey は相手とのハッシュ交換を行わずに鍵交換を進め、新しい鍵をアクティブにする。
func (r *KeyRotation) RotateKey(ctx context.Context, sc *domain.SharedContext, exchange *KeyExchange) (*domain.KeyRecord, error) {
	return r.RotateKeyWithPeer(ctx, sc, exchange, LoopbackConfirmer{})
}

// RotateKeyWithPeer は鍵交換を開始し、設定された全ラウンドの確認ハッシュを peer と交換する。
// 交換が Complete に到達した場合のみ、現在の鍵を履歴へ移して新しい鍵をアクティブにする。
func (r *KeyRotation) RotateKeyWithPeer(ctx context.Context, sc *domain.SharedContext, exchange *KeyExchange, peer PeerConfirmer) (*domain.KeyRecord, error) {
	if err := exchange.StartExchange(sc); err != nil {
		return nil, fmt.Errorf("starting key exchange: %w", err)
	}

	for round := 0; round < exchange.ConfirmationRounds(); round++ {
		ours, err := exchange.GenerateConfirmation(round)
		if err != nil {
			return nil, fmt.Errorf("generating confirmation for round %d: %w", round, err)
		}
		theirs, err := peer.ExchangeConfirmation(ctx, round, ours)
		if err != nil {
			return nil, fmt.Errorf("exchanging confirmation for round %d: %w", round, err)
		}
		ok, err := exchange.VerifyConfirmation(round, theirs)
		if err != nil {
			return nil, fmt.Errorf("verifying confirmation for round %d: %w", round, err)
		}
		if !ok {
			slog.WarnContext(ctx, "key confirmation mismatch",
				"operation", "rotate_key",
				"round", round,
			)
			return nil, fmt.Errorf("%w: round %d", domain.ErrConfirmationMismatch, round)
		}
	}

	if exchange.Status() != ExchangeComplete {
		return nil, fmt.Errorf("%w: status %s", domain.ErrExchangeIncomplete, exchange.Status())
	}
	key := exchange.Key()
	if key == nil {
		return nil, fmt.Errorf("%w: no key available after exchange", domain.ErrExchangeIncomplete)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.demoteActive(domain.KeyStatusExpired, now, domain.ReasonRoutineRotation)
	record := r.newRecord(*key, now)
	r.active = &record
	r.lastRotation = &now

	slog.InfoContext(ctx, "key rotated",
		"operation", "rotate_key",
		"generation", record.Generation,
		"quality", key.Quality,
	)
	return cloneRecord(&record), nil
}

// InvalidateKey はアクティブ鍵を Invalidated として履歴へ移す。アクティブ鍵は存在しなくなる。
func (r *KeyRotation) InvalidateKey(reason string) *domain.KeyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.demoteActive(domain.KeyStatusInvalidated, r.clock.Now(), reason)
}

// RecoverKey は現在のアクティブ鍵を Expired として履歴へ移し、record をアクティブにする。
// 世代番号とIDが未設定の場合は割り当てる。
func (r *KeyRotation) RecoverKey(record domain.KeyRecord) *domain.KeyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.demoteActive(domain.KeyStatusExpired, now, domain.ReasonKeyRecovery)

	if record.Generation == 0 {
		record.Generation = r.nextGeneration
	}
	if record.Generation >= r.nextGeneration {
		r.nextGeneration = record.Generation + 1
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Status = domain.KeyStatusActive
	record.DeactivatedAt = nil
	record.DeactivationReason = ""
	r.active = &record
	r.lastRotation = &now
	return cloneRecord(&record)
}

// ActiveKey はアクティブ鍵の複製を返す。ない場合はnil。
func (r *KeyRotation) ActiveKey() *domain.KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneRecord(r.active)
}

// KeyHistory は履歴を新しい順に返す。
func (r *KeyRotation) KeyHistory() []domain.KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.KeyRecord, len(r.history))
	for i := range r.history {
		out[i] = *cloneRecord(&r.history[i])
	}
	return out
}

// ClearHistory は履歴を破棄する。
func (r *KeyRotation) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

// Restore は永続化された状態を復元する。history は新しい順で、max_history_size を超える分は捨てる。
func (r *KeyRotation) Restore(active *domain.KeyRecord, history []domain.KeyRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = cloneRecord(active)
	r.history = make([]domain.KeyRecord, 0, len(history))
	for i := range history {
		r.history = append(r.history, *cloneRecord(&history[i]))
	}
	r.trimHistory()

	r.nextGeneration = 1
	if r.active != nil {
		r.nextGeneration = r.active.Generation + 1
		activated := r.active.ActivatedAt
		r.lastRotation = &activated
	}
	for _, h := range r.history {
		if h.Generation >= r.nextGeneration {
			r.nextGeneration = h.Generation + 1
		}
	}
}

// demoteActive はアクティブ鍵を履歴の先頭へ移し、非アクティブ化した鍵の複製を返す。
// 履歴が trim されても戻り値は有効。r.mu を保持して呼ぶこと。
func (r *KeyRotation) demoteActive(status domain.KeyStatus, at time.Time, reason string) *domain.KeyRecord {
	if r.active == nil {
		return nil
	}
	current := *r.active
	current.Deactivate(status, at, reason)
	demoted := cloneRecord(&current)
	r.history = append([]domain.KeyRecord{current}, r.history...)
	r.trimHistory()
	r.active = nil
	return demoted
}

// rotationState はロールバック用の KeyRotation の状態。
type rotationState struct {
	active         *domain.KeyRecord
	history        []domain.KeyRecord
	lastRotation   *time.Time
	nextGeneration uint
}

// snapshot は現在の状態の複製を返す。
func (r *KeyRotation) snapshot() rotationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := rotationState{
		active:         cloneRecord(r.active),
		history:        make([]domain.KeyRecord, len(r.history)),
		nextGeneration: r.nextGeneration,
	}
	for i := range r.history {
		st.history[i] = *cloneRecord(&r.history[i])
	}
	if r.lastRotation != nil {
		last := *r.lastRotation
		st.lastRotation = &last
	}
	return st
}

// rollback は snapshot で取得した状態に戻す。
func (r *KeyRotation) rollback(st rotationState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = st.active
	r.history = st.history
	r.lastRotation = st.lastRotation
	r.nextGeneration = st.nextGeneration
}

func (r *KeyRotation) trimHistory() {
	if len(r.history) > r.config.MaxHistorySize {
		r.history = r.history[:max(r.config.MaxHistorySize, 0)]
	}
}

func (r *KeyRotation) newRecord(key domain.DerivedKey, now time.Time) domain.KeyRecord {
	rec := domain.KeyRecord{
		ID:          uuid.NewString(),
		Generation:  r.nextGeneration,
		Key:         key,
		Status:      domain.KeyStatusActive,
		ActivatedAt: now,
	}
	r.nextGeneration++
	return rec
}

func cloneRecord(rec *domain.KeyRecord) *domain.KeyRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Key = rec.Key.Clone()
	if rec.DeactivatedAt != nil {
		at := *rec.DeactivatedAt
		out.DeactivatedAt = &at
	}
	return &out
}
