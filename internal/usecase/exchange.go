package usecase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"pairlet-service/internal/domain"
)

// ExchangeStatus は鍵交換の状態を表す。
type ExchangeStatus uint8

const (
	ExchangeNotStarted ExchangeStatus = iota
	ExchangeGeneratingKeys
	ExchangeConfirmingKeys
	ExchangeComplete
	ExchangeFailed
)

func (s ExchangeStatus) String() string {
	switch s {
	case ExchangeNotStarted:
		return "not_started"
	case ExchangeGeneratingKeys:
		return "generating_keys"
	case ExchangeConfirmingKeys:
		return "confirming_keys"
	case ExchangeComplete:
		return "complete"
	case ExchangeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// KeyExchange は共有コンテキストから鍵を導出し、複数ラウンドの確認ハッシュで相手と合意する状態機械。
type KeyExchange struct {
	config    domain.ExchangeConfig
	generator *KeyGenerator

	mu            sync.Mutex
	status        ExchangeStatus
	key           *domain.DerivedKey
	confirmations map[int][]byte
}

// NewKeyExchange は新しいKeyExchangeを生成する。
func NewKeyExchange(cfg domain.ExchangeConfig, generator *KeyGenerator) *KeyExchange {
	return &KeyExchange{
		config:        cfg,
		generator:     generator,
		confirmations: make(map[int][]byte),
	}
}

// ConfirmationRounds は完了に必要な確認ラウンド数を返す。
func (e *KeyExchange) ConfirmationRounds() int {
	return e.config.ConfirmationRounds
}

// ConfirmationTimeout は確認フェーズの期限を返す。期限の適用は呼び出し側が行う。
func (e *KeyExchange) ConfirmationTimeout() time.Duration {
	return e.config.ConfirmationTimeout
}

// StartExchange は共有コンテキストから鍵を導出し、確認フェーズへ遷移する。
// 両デバイスは同一のコンテキストで呼び出す必要がある。
func (e *KeyExchange) StartExchange(sc *domain.SharedContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == ExchangeFailed {
		return fmt.Errorf("%w: exchange failed, reset required", domain.ErrInvalidState)
	}
	if sc == nil {
		e.status = ExchangeFailed
		return fmt.Errorf("%w: no shared context", domain.ErrNoSharedContext)
	}
	if sc.Quality < e.config.MinKeyQuality {
		e.status = ExchangeFailed
		return fmt.Errorf("%w: context quality %.3f below %.3f for key exchange",
			domain.ErrInsufficientQuality, sc.Quality, e.config.MinKeyQuality)
	}

	e.status = ExchangeGeneratingKeys
	e.key = nil
	clear(e.confirmations)

	key, err := e.generator.GenerateKey(sc)
	if err != nil {
		e.status = ExchangeFailed
		return fmt.Errorf("generating exchange key: %w", err)
	}
	if key.Quality < e.config.MinKeyQuality {
		e.status = ExchangeFailed
		return fmt.Errorf("%w: key quality %.3f below %.3f",
			domain.ErrInsufficientQuality, key.Quality, e.config.MinKeyQuality)
	}

	e.key = key
	e.status = ExchangeConfirmingKeys
	return nil
}

// GenerateConfirmation は指定ラウンドの確認ハッシュ hash(key ∥ round) を計算・記録して返す。
func (e *KeyExchange) GenerateConfirmation(round int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == ExchangeFailed {
		return nil, fmt.Errorf("%w: exchange failed, reset required", domain.ErrInvalidState)
	}
	if e.key == nil {
		return nil, fmt.Errorf("%w: no key available for confirmation", domain.ErrInvalidState)
	}

	hash := confirmationHash(e.key.Key, round)
	e.confirmations[round] = hash
	return append([]byte(nil), hash...), nil
}

// VerifyConfirmation は相手の確認ハッシュを記録済みのハッシュと比較する。
// 最終ラウンドで一致すれば Complete、不一致なら Failed に遷移する。
func (e *KeyExchange) VerifyConfirmation(round int, peerHash []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == ExchangeFailed {
		return false, fmt.Errorf("%w: exchange failed, reset required", domain.ErrInvalidState)
	}
	ours, ok := e.confirmations[round]
	if !ok {
		return false, fmt.Errorf("%w: round %d", domain.ErrConfirmationNotFound, round)
	}

	if !hmac.Equal(ours, peerHash) {
		e.status = ExchangeFailed
		return false, nil
	}
	if round == e.config.ConfirmationRounds-1 {
		e.status = ExchangeComplete
	}
	return true, nil
}

// Status は現在の状態を返す。
func (e *KeyExchange) Status() ExchangeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Key は保持している鍵の複製を返す。鍵がない場合はnil。
func (e *KeyExchange) Key() *domain.DerivedKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key == nil {
		return nil
	}
	k := e.key.Clone()
	return &k
}

// Reset は状態を NotStarted に戻し、鍵と確認ハッシュを破棄する。
func (e *KeyExchange) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = ExchangeNotStarted
	e.key = nil
	clear(e.confirmations)
}

// confirmationHash は hash(key ∥ round) を返す。round は8バイトのリトルエンディアン。
func confirmationHash(key []byte, round int) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(round))

	h := sha256.New()
	h.Write(key)
	h.Write(buf[:])
	return h.Sum(nil)
}
