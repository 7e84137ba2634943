package usecase

import (
	"context"
	"crypto/hmac"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

// RecoveryStatus は鍵復旧の状態を表す。
type RecoveryStatus uint8

const (
	RecoveryNotStarted RecoveryStatus = iota
	RecoveryVerifyingContext
	RecoveryGeneratingKeys
	RecoveryConfirmingKeys
	RecoveryComplete
	RecoveryFailed
)

func (s RecoveryStatus) String() string {
	switch s {
	case RecoveryNotStarted:
		return "not_started"
	case RecoveryVerifyingContext:
		return "verifying_context"
	case RecoveryGeneratingKeys:
		return "generating_keys"
	case RecoveryConfirmingKeys:
		return "confirming_keys"
	case RecoveryComplete:
		return "complete"
	case RecoveryFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// KeyRecovery は新しい共有コンテキストから鍵を再確立する状態機械。
// 失敗回数を数え、上限に達すると ResetAttempts まで復旧を拒否する。
type KeyRecovery struct {
	config    domain.RecoveryConfig
	generator *KeyGenerator
	clock     clock.Clock

	mu        sync.Mutex
	status    RecoveryStatus
	attempts  int
	startedAt *time.Time
	backupKey *domain.DerivedKey
}

// NewKeyRecovery は新しいKeyRecoveryを生成する。
func NewKeyRecovery(cfg domain.RecoveryConfig, generator *KeyGenerator, clk clock.Clock) *KeyRecovery {
	if clk == nil {
		clk = clock.Real()
	}
	return &KeyRecovery{
		config:    cfg,
		generator: generator,
		clock:     clk,
	}
}

// StartRecovery はコンテキストの鮮度と品質を検証し、復旧を開始する。
func (r *KeyRecovery) StartRecovery(sc *domain.SharedContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attempts >= r.config.MaxRecoveryAttempts {
		return fmt.Errorf("%w: %d of %d attempts used",
			domain.ErrRecoveryLockedOut, r.attempts, r.config.MaxRecoveryAttempts)
	}
	if sc == nil {
		r.fail()
		return fmt.Errorf("%w: no shared context", domain.ErrNoSharedContext)
	}
	if age := clock.Since(r.clock, sc.EstablishedAt); age > r.config.MaxContextAge {
		r.fail()
		return fmt.Errorf("%w: context age %s exceeds %s for recovery",
			domain.ErrContextExpired, age, r.config.MaxContextAge)
	}
	if sc.Quality < r.config.MinRecoveryQuality {
		r.fail()
		return fmt.Errorf("%w: context quality %.3f below %.3f for recovery",
			domain.ErrInsufficientQuality, sc.Quality, r.config.MinRecoveryQuality)
	}

	now := r.clock.Now()
	r.status = RecoveryVerifyingContext
	r.startedAt = &now
	return nil
}

// GenerateRecoveryKey はコンテキストから復旧用の鍵を導出し、バックアップ鍵として保持する。
func (r *KeyRecovery) GenerateRecoveryKey(sc *domain.SharedContext) (*domain.DerivedKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != RecoveryVerifyingContext {
		return nil, fmt.Errorf("%w: recovery is %s, want %s",
			domain.ErrInvalidState, r.status, RecoveryVerifyingContext)
	}

	r.status = RecoveryGeneratingKeys
	key, err := r.generator.GenerateKey(sc)
	if err != nil {
		r.status = RecoveryFailed
		return nil, fmt.Errorf("generating recovery key: %w", err)
	}

	r.backupKey = key
	r.status = RecoveryConfirmingKeys
	k := key.Clone()
	return &k, nil
}

// VerifyRecovery は交換中の鍵がバックアップ鍵と一致することを確認ラウンド0で検証する。
// 一致すれば交換の鍵をアクティブ鍵として rotation に設定する。相手デバイスとのハッシュ交換は行わない。
func (r *KeyRecovery) VerifyRecovery(ctx context.Context, exchange *KeyExchange, rotation *KeyRotation) (*domain.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkVerifiable(exchange); err != nil {
		return nil, err
	}

	if _, err := exchange.GenerateConfirmation(0); err != nil {
		return nil, fmt.Errorf("generating recovery confirmation: %w", err)
	}
	expected := confirmationHash(r.backupKey.Key, 0)
	ok, err := exchange.VerifyConfirmation(0, expected)
	if err != nil {
		return nil, fmt.Errorf("verifying recovery confirmation: %w", err)
	}
	if !ok {
		r.fail()
		slog.WarnContext(ctx, "recovery verification failed",
			"operation", "verify_recovery",
			"attempts", r.attempts,
		)
		return nil, fmt.Errorf("%w: recovery key does not match exchange key", domain.ErrConfirmationMismatch)
	}
	return r.complete(ctx, exchange, rotation)
}

// VerifyRecoveryWithPeer は recovery_confirmation_rounds 回の確認ハッシュを peer と交換して復旧を検証する。
func (r *KeyRecovery) VerifyRecoveryWithPeer(ctx context.Context, exchange *KeyExchange, rotation *KeyRotation, peer PeerConfirmer) (*domain.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkVerifiable(exchange); err != nil {
		return nil, err
	}

	for round := 0; round < r.config.ConfirmationRounds; round++ {
		ours, err := exchange.GenerateConfirmation(round)
		if err != nil {
			return nil, fmt.Errorf("generating recovery confirmation for round %d: %w", round, err)
		}
		if !hmac.Equal(ours, confirmationHash(r.backupKey.Key, round)) {
			r.fail()
			return nil, fmt.Errorf("%w: recovery key does not match exchange key", domain.ErrConfirmationMismatch)
		}
		theirs, err := peer.ExchangeConfirmation(ctx, round, ours)
		if err != nil {
			return nil, fmt.Errorf("exchanging recovery confirmation for round %d: %w", round, err)
		}
		ok, err := exchange.VerifyConfirmation(round, theirs)
		if err != nil {
			return nil, fmt.Errorf("verifying recovery confirmation for round %d: %w", round, err)
		}
		if !ok {
			r.fail()
			slog.WarnContext(ctx, "recovery verification failed",
				"operation", "verify_recovery",
				"round", round,
				"attempts", r.attempts,
			)
			return nil, fmt.Errorf("%w: round %d", domain.ErrConfirmationMismatch, round)
		}
	}
	return r.complete(ctx, exchange, rotation)
}

// Status は現在の状態を返す。
func (r *KeyRecovery) Status() RecoveryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Attempts は失敗した復旧試行の回数を返す。
func (r *KeyRecovery) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// MaxAttempts はロックアウトまでの試行回数の上限を返す。
func (r *KeyRecovery) MaxAttempts() int {
	return r.config.MaxRecoveryAttempts
}

// IsLockedOut は試行回数が上限に達しているかを返す。
func (r *KeyRecovery) IsLockedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts >= r.config.MaxRecoveryAttempts
}

// StartedAt は復旧を開始した時刻を返す。未開始の場合はnil。
func (r *KeyRecovery) StartedAt() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt == nil {
		return nil
	}
	t := *r.startedAt
	return &t
}

// BackupKey はバックアップ鍵の複製を返す。ない場合はnil。
func (r *KeyRecovery) BackupKey() *domain.DerivedKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backupKey == nil {
		return nil
	}
	k := r.backupKey.Clone()
	return &k
}

// Reset は状態・開始時刻・バックアップ鍵を破棄する。試行回数は保持する。
func (r *KeyRecovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = RecoveryNotStarted
	r.startedAt = nil
	r.backupKey = nil
}

// ResetAttempts は試行回数を0に戻し、ロックアウトを解除する。
func (r *KeyRecovery) ResetAttempts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// checkVerifiable は検証に必要な状態を確認する。r.mu を保持して呼ぶこと。
func (r *KeyRecovery) checkVerifiable(exchange *KeyExchange) error {
	if r.status != RecoveryConfirmingKeys || r.backupKey == nil {
		return fmt.Errorf("%w: recovery is %s, want %s",
			domain.ErrInvalidState, r.status, RecoveryConfirmingKeys)
	}
	if st := exchange.Status(); st != ExchangeConfirmingKeys {
		return fmt.Errorf("%w: exchange is %s, want %s",
			domain.ErrInvalidState, st, ExchangeConfirmingKeys)
	}
	return nil
}

// complete は交換の鍵を rotation のアクティブ鍵に設定する。r.mu を保持して呼ぶこと。
func (r *KeyRecovery) complete(ctx context.Context, exchange *KeyExchange, rotation *KeyRotation) (*domain.KeyRecord, error) {
	key := exchange.Key()
	if key == nil {
		r.fail()
		return nil, fmt.Errorf("%w: no key available after verification", domain.ErrKeyNotFound)
	}

	record := rotation.RecoverKey(domain.KeyRecord{
		Key:         *key,
		Status:      domain.KeyStatusActive,
		ActivatedAt: r.clock.Now(),
	})
	r.status = RecoveryComplete

	slog.InfoContext(ctx, "key recovered",
		"operation", "verify_recovery",
		"generation", record.Generation,
	)
	return record, nil
}

// fail は Failed へ遷移し、試行回数を加算する。r.mu を保持して呼ぶこと。
func (r *KeyRecovery) fail() {
	r.status = RecoveryFailed
	r.attempts++
}
