package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

// ContextManager は相手デバイスとの共有コンテキストの確立と鮮度判定を行う。
type ContextManager struct {
	config    domain.ContextConfig
	validator *CoPresenceValidator
	clock     clock.Clock

	mu       sync.RWMutex
	contexts []domain.SharedContext
}

// NewContextManager は新しいContextManagerを生成する。
func NewContextManager(cfg domain.ContextConfig, validator *CoPresenceValidator, clk clock.Clock) *ContextManager {
	if clk == nil {
		clk = clock.Real()
	}
	if validator != nil {
		validator.retainWindows(cfg.RequiredWindows)
	}
	return &ContextManager{
		config:    cfg,
		validator: validator,
		clock:     clk,
	}
}

// Config はコンテキスト設定を返す。
func (m *ContextManager) Config() domain.ContextConfig {
	return m.config
}

// Validator は内部のCoPresenceValidatorを返す。
func (m *ContextManager) Validator() *CoPresenceValidator {
	return m.validator
}

// EstablishContext は自身の直近ウィンドウと相手のウィンドウから共有コンテキストを確立する。
// ウィンドウ不足・有効ペアなし・品質不足の場合はエラーなしでnilを返す。
func (m *ContextManager) EstablishContext(ctx context.Context, peerWindows []domain.MeasurementWindow) (*domain.SharedContext, error) {
	own := m.validator.RecentWindows(m.config.RequiredWindows)
	if len(own) < m.config.RequiredWindows {
		slog.DebugContext(ctx, "not enough measurement windows",
			"operation", "establish_context",
			"available", len(own),
			"required", m.config.RequiredWindows,
		)
		return nil, nil
	}

	now := m.clock.Now()
	var totalCorrelation, totalSync, totalProximity float64
	var span time.Duration
	count := 0

	for i := 0; i < len(own) && i < len(peerWindows); i++ {
		if windowAge(now, own[i]) > m.config.MaxAge {
			continue
		}
		totalCorrelation += m.validator.CalculateCorrelation(own[i], peerWindows[i])
		totalSync += m.validator.CalculateSyncScore(own[i], peerWindows[i])
		totalProximity += m.validator.CalculateProximity(own[i], peerWindows[i])
		span += own[i].Duration
		count++
	}

	if count == 0 {
		slog.DebugContext(ctx, "no valid measurement pairs",
			"operation", "establish_context",
		)
		return nil, nil
	}

	n := float64(count)
	quality := (totalCorrelation/n + totalSync/n + totalProximity/n) / 3.0
	if quality < m.config.MinQuality {
		slog.InfoContext(ctx, "shared context quality below threshold",
			"operation", "establish_context",
			"quality", quality,
			"min_quality", m.config.MinQuality,
		)
		return nil, nil
	}

	sc := domain.SharedContext{
		TimeWindow:    span,
		Measurements:  own,
		Quality:       quality,
		EstablishedAt: now,
	}

	m.mu.Lock()
	m.contexts = append(m.contexts, sc)
	m.mu.Unlock()

	slog.InfoContext(ctx, "shared context established",
		"operation", "establish_context",
		"quality", quality,
		"valid_pairs", count,
	)
	return &sc, nil
}

// CurrentContext は直近に確立した共有コンテキストを返す。ない場合はnil。
func (m *ContextManager) CurrentContext() *domain.SharedContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.contexts) == 0 {
		return nil
	}
	sc := m.contexts[len(m.contexts)-1]
	return &sc
}

// IsContextValid は共有コンテキストが max_age 以内かつ品質が min_quality 以上の場合にtrueを返す。
func (m *ContextManager) IsContextValid(sc *domain.SharedContext) bool {
	if sc == nil {
		return false
	}
	if clock.Since(m.clock, sc.EstablishedAt) > m.config.MaxAge {
		return false
	}
	return sc.Quality >= m.config.MinQuality
}
