package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

const (
	// collectionCycles は1回の収集で取得する測定ウィンドウ数。
	collectionCycles = 3
	// entropyBufferSize はセンサーごとに1サイクルで読み取るバイト数。
	entropyBufferSize = 32
	// minSyncScore は共存判定に必要な時間同期スコア（設定不可）。
	minSyncScore = 0.9
	// windowRetention は保持するウィンドウ数を収集数や要求数の何倍にするか。
	windowRetention = 4
)

// Sensor は環境センサーのインターフェース。
type Sensor interface {
	Start(cfg domain.SensorConfig) error
	Stop() error
	Quality() (domain.EntropyQuality, error)
	FillEntropy(buf []byte) error
	Description() string
	Config() domain.SensorConfig
}

// CoPresenceValidator は測定ウィンドウを収集し、2台のデバイスの物理的な共存を検証する。
type CoPresenceValidator struct {
	config    domain.CoPresenceConfig
	sensorCfg domain.SensorConfig
	clock     clock.Clock

	mu         sync.RWMutex
	sensors    []Sensor
	windows    []domain.MeasurementWindow
	maxWindows int
}

// NewCoPresenceValidator は新しいCoPresenceValidatorを生成する。
func NewCoPresenceValidator(cfg domain.CoPresenceConfig, sensorCfg domain.SensorConfig, clk clock.Clock) *CoPresenceValidator {
	if clk == nil {
		clk = clock.Real()
	}
	return &CoPresenceValidator{
		config:     cfg,
		sensorCfg:  sensorCfg,
		clock:      clk,
		maxWindows: collectionCycles * windowRetention,
	}
}

// retainWindows は少なくとも n 個の直近ウィンドウを取得できるよう保持数を広げる。
func (v *CoPresenceValidator) retainWindows(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxWindows = max(v.maxWindows, n*windowRetention)
}

// appendWindow は古いウィンドウを捨てて maxWindows 個までに保つ。v.mu を保持して呼ぶこと。
func (v *CoPresenceValidator) appendWindow(w domain.MeasurementWindow) {
	v.windows = append(v.windows, w)
	if over := len(v.windows) - v.maxWindows; over > 0 {
		v.windows = slices.Delete(v.windows, 0, over)
	}
}

// Config は共存検証の設定を返す。
func (v *CoPresenceValidator) Config() domain.CoPresenceConfig {
	return v.config
}

// AddSensor はセンサーを登録する。
func (v *CoPresenceValidator) AddSensor(s Sensor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sensors = append(v.sensors, s)
}

// Sensors は登録済みセンサーの説明を返す。
func (v *CoPresenceValidator) Sensors() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, len(v.sensors))
	for i, s := range v.sensors {
		names[i] = s.Description()
	}
	return names
}

// AddWindow は外部で生成された測定ウィンドウを追加する。
func (v *CoPresenceValidator) AddWindow(w domain.MeasurementWindow) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appendWindow(w)
}

// StartCollection は全センサーを開始し、window_size 間隔で測定ウィンドウを収集する。
// 呼び出し元は collectionCycles × window_size の間ブロックされる。
func (v *CoPresenceValidator) StartCollection(ctx context.Context) error {
	v.mu.RLock()
	sensors := append([]Sensor(nil), v.sensors...)
	v.mu.RUnlock()

	for _, s := range sensors {
		if err := s.Start(v.sensorCfg); err != nil {
			slog.ErrorContext(ctx, "failed to start sensor",
				"operation", "start_collection",
				"sensor", s.Description(),
				"error", err,
			)
			return fmt.Errorf("starting sensor %q: %w", s.Description(), err)
		}
	}

	for cycle := 0; cycle < collectionCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		window, err := v.sampleWindow(sensors)
		if err != nil {
			slog.ErrorContext(ctx, "failed to sample window",
				"operation", "start_collection",
				"cycle", cycle,
				"error", err,
			)
			return err
		}

		v.mu.Lock()
		v.appendWindow(window)
		v.mu.Unlock()

		slog.DebugContext(ctx, "measurement window collected",
			"operation", "start_collection",
			"cycle", cycle,
			"measurements", len(window.Measurements),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.clock.After(v.config.WindowSize):
		}
	}
	return nil
}

// CollectAsync はStartCollectionを別ゴルーチンで実行し、完了時にエラー（またはnil）を送信する。
func (v *CoPresenceValidator) CollectAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- v.StartCollection(ctx)
	}()
	return done
}

// sampleWindow は全センサーから1ウィンドウ分の測定値を読み取る。
func (v *CoPresenceValidator) sampleWindow(sensors []Sensor) (domain.MeasurementWindow, error) {
	var measurements []float64
	var total domain.EntropyQuality
	count := 0

	for _, s := range sensors {
		buf := make([]byte, entropyBufferSize)
		if err := s.FillEntropy(buf); err != nil {
			return domain.MeasurementWindow{}, fmt.Errorf("reading entropy from %q: %w", s.Description(), err)
		}
		for _, b := range buf {
			measurements = append(measurements, float64(b)/255.0)
		}

		q, err := s.Quality()
		if err != nil {
			continue
		}
		total.ShannonEntropy += q.ShannonEntropy
		total.SignalToNoise += q.SignalToNoise
		total.TemporalConsistency += q.TemporalConsistency
		count++
	}

	if count > 0 {
		n := float64(count)
		total.ShannonEntropy /= n
		total.SignalToNoise /= n
		total.TemporalConsistency /= n
		total.SampleRate = v.sensorCfg.SampleRate
	}

	return domain.MeasurementWindow{
		StartTime:    v.clock.Now(),
		Duration:     v.config.WindowSize,
		Measurements: measurements,
		Quality:      total,
	}, nil
}

// StopCollection は全センサーを停止する。全センサーの停止を試み、最初のエラーを返す。
func (v *CoPresenceValidator) StopCollection() error {
	v.mu.RLock()
	sensors := append([]Sensor(nil), v.sensors...)
	v.mu.RUnlock()

	var firstErr error
	for _, s := range sensors {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping sensor %q: %w", s.Description(), err)
		}
	}
	return firstErr
}

// CurrentWindow は最新の測定ウィンドウを返す。ウィンドウがない場合はnil。
func (v *CoPresenceValidator) CurrentWindow() *domain.MeasurementWindow {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.windows) == 0 {
		return nil
	}
	w := v.windows[len(v.windows)-1]
	return &w
}

// RecentWindows は直近 n 個の測定ウィンドウを新しい順に返す。
func (v *CoPresenceValidator) RecentWindows(n int) []domain.MeasurementWindow {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if n > len(v.windows) {
		n = len(v.windows)
	}
	if n <= 0 {
		return nil
	}
	out := make([]domain.MeasurementWindow, 0, n)
	for i := len(v.windows) - 1; i >= len(v.windows)-n; i-- {
		out = append(out, v.windows[i])
	}
	return out
}

// CalculateCorrelation は2つのウィンドウの測定値のピアソン相関係数を返す。
// 長さが異なる場合、またはどちらかの分散が0の場合は0を返す。
func (v *CoPresenceValidator) CalculateCorrelation(a, b domain.MeasurementWindow) float64 {
	if len(a.Measurements) != len(b.Measurements) || len(a.Measurements) == 0 {
		return 0.0
	}

	n := float64(len(a.Measurements))
	var sumA, sumB float64
	for i := range a.Measurements {
		sumA += a.Measurements[i]
		sumB += b.Measurements[i]
	}
	meanA, meanB := sumA/n, sumB/n

	var num, denA, denB float64
	for i := range a.Measurements {
		dx := a.Measurements[i] - meanA
		dy := b.Measurements[i] - meanB
		num += dx * dy
		denA += dx * dx
		denB += dy * dy
	}
	if denA == 0 || denB == 0 {
		return 0.0
	}
	return num / (math.Sqrt(denA) * math.Sqrt(denB))
}

// CalculateSyncScore は時間同期スコア 1 − (a.StartTime − b.StartTime)/max_time_diff を返す。
// 方向性がある: a が b より前に開始した場合は差を0として扱う。
// 差が max_time_diff を超える場合は0を返す。
func (v *CoPresenceValidator) CalculateSyncScore(a, b domain.MeasurementWindow) float64 {
	diff := a.StartTime.Sub(b.StartTime)
	if diff < 0 {
		diff = 0
	}
	if diff > v.config.MaxTimeDiff {
		return 0.0
	}
	if v.config.MaxTimeDiff <= 0 {
		return 1.0
	}
	return 1.0 - diff.Seconds()/v.config.MaxTimeDiff.Seconds()
}

// CalculateProximity はSNRの近さに基づく近接スコアを返す。
// 両方のSNRが0の場合は0を返す。
func (v *CoPresenceValidator) CalculateProximity(a, b domain.MeasurementWindow) float64 {
	snrA, snrB := a.Quality.SignalToNoise, b.Quality.SignalToNoise
	maxSNR := math.Max(snrA, snrB)
	if maxSNR == 0 {
		return 0.0
	}
	return 1.0 - math.Min(1.0, math.Abs(snrA-snrB)/maxSNR)
}

// ValidateCoPresence は相関・同期・近接の全スコアが閾値を満たす場合にtrueを返す。
func (v *CoPresenceValidator) ValidateCoPresence(a, b domain.MeasurementWindow) bool {
	return v.CalculateCorrelation(a, b) >= v.config.MinCorrelation &&
		v.CalculateSyncScore(a, b) >= minSyncScore &&
		v.CalculateProximity(a, b) >= v.config.MinProximity
}

// windowAge は now から見た測定ウィンドウの経過時間を返す。
func windowAge(now time.Time, w domain.MeasurementWindow) time.Duration {
	return now.Sub(w.StartTime)
}
