package usecase

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"math"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

// KeyGenerator は共有コンテキストから反復ハッシュで鍵を導出する。
type KeyGenerator struct {
	config domain.KeyGenConfig
	clock  clock.Clock
}

// NewKeyGenerator は新しいKeyGeneratorを生成する。
func NewKeyGenerator(cfg domain.KeyGenConfig, clk clock.Clock) *KeyGenerator {
	if clk == nil {
		clk = clock.Real()
	}
	return &KeyGenerator{config: cfg, clock: clk}
}

// Config は鍵導出の設定を返す。
func (g *KeyGenerator) Config() domain.KeyGenConfig {
	return g.config
}

// GenerateKey は共有コンテキストから鍵を導出する。
// 同一内容のコンテキストからは常に同一の鍵と検証ハッシュが得られる。
func (g *KeyGenerator) GenerateKey(sc *domain.SharedContext) (*domain.DerivedKey, error) {
	if sc == nil {
		return nil, fmt.Errorf("%w: no shared context", domain.ErrNoSharedContext)
	}
	if sc.Quality < g.config.MinQuality {
		return nil, fmt.Errorf("%w: context quality %.3f below %.3f for key generation",
			domain.ErrInsufficientQuality, sc.Quality, g.config.MinQuality)
	}

	var entropy []byte
	for _, w := range sc.Measurements {
		entropy = append(entropy, extractEntropy(w)...)
	}

	key := g.deriveKey(entropy)
	return &domain.DerivedKey{
		Key:              key,
		GeneratedAt:      g.clock.Now(),
		Quality:          sc.Quality,
		VerificationHash: hashBytes(key),
	}, nil
}

// VerifyKey は鍵の検証ハッシュが hash と一致するか確認する。
func (g *KeyGenerator) VerifyKey(key *domain.DerivedKey, hash []byte) bool {
	if key == nil {
		return false
	}
	return hmac.Equal(hashBytes(key.Key), hash)
}

// deriveKey はエントロピーに hash_iterations 回のSHA-256を適用し、key_length に切り詰め／ゼロ埋めする。
func (g *KeyGenerator) deriveKey(entropy []byte) []byte {
	key := append([]byte(nil), entropy...)
	for i := 0; i < g.config.HashIterations; i++ {
		sum := sha256.Sum256(key)
		key = sum[:]
	}

	out := make([]byte, g.config.KeyLength)
	copy(out, key)
	return out
}

// extractEntropy は測定値を0〜255に変換し、品質指標でホワイトニングしたバイト列を返す。
func extractEntropy(w domain.MeasurementWindow) []byte {
	mask := saturatingByte(w.Quality.ShannonEntropy) ^
		saturatingByte(w.Quality.SignalToNoise) ^
		saturatingByte(w.Quality.TemporalConsistency)

	out := make([]byte, len(w.Measurements))
	for i, m := range w.Measurements {
		out[i] = saturatingByte(m*255.0) ^ mask
	}
	return out
}

// saturatingByte は f を切り捨てて0〜255に飽和させる。NaNは0になる。
func saturatingByte(f float64) byte {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 255:
		return 255
	default:
		return byte(f)
	}
}

func hashBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
