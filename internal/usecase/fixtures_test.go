package usecase

import (
	"time"

	"pairlet-service/internal/domain"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeSensor は呼び出し回数から決定的なバイト列を生成するテスト用センサー。
type fakeSensor struct {
	name     string
	cfg      domain.SensorConfig
	quality  domain.EntropyQuality
	startErr error
	stopErr  error
	running  bool
	calls    int
}

func newFakeSensor(name string) *fakeSensor {
	return &fakeSensor{
		name: name,
		quality: domain.EntropyQuality{
			ShannonEntropy:      0.9,
			SampleRate:          100,
			SignalToNoise:       10,
			TemporalConsistency: 0.95,
		},
	}
}

func (s *fakeSensor) Start(cfg domain.SensorConfig) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.cfg = cfg
	s.running = true
	return nil
}

func (s *fakeSensor) Stop() error {
	s.running = false
	return s.stopErr
}

func (s *fakeSensor) Quality() (domain.EntropyQuality, error) {
	return s.quality, nil
}

func (s *fakeSensor) FillEntropy(buf []byte) error {
	if !s.running {
		return domain.ErrSensorNotRunning
	}
	for i := range buf {
		buf[i] = byte((s.calls*31 + i*i*7 + i*13) % 256)
	}
	s.calls++
	return nil
}

func (s *fakeSensor) Description() string { return s.name }

func (s *fakeSensor) Config() domain.SensorConfig { return s.cfg }

// window は指定した測定値とSNRを持つウィンドウを返す。
func window(start time.Time, snr float64, values ...float64) domain.MeasurementWindow {
	return domain.MeasurementWindow{
		StartTime:    start,
		Duration:     time.Second,
		Measurements: values,
		Quality: domain.EntropyQuality{
			ShannonEntropy:      0.9,
			SampleRate:          100,
			SignalToNoise:       snr,
			TemporalConsistency: 0.95,
		},
	}
}

// sharedContext は指定した品質と確立時刻を持つ共有コンテキストを返す。
func sharedContext(quality float64, establishedAt time.Time) *domain.SharedContext {
	return &domain.SharedContext{
		TimeWindow: 3 * time.Second,
		Measurements: []domain.MeasurementWindow{
			window(establishedAt, 10, 0.1, 0.2, 0.3),
			window(establishedAt.Add(time.Second), 10, 0.4, 0.5, 0.6),
		},
		Quality:       quality,
		EstablishedAt: establishedAt,
	}
}

// fastKeyGenConfig はテストを高速にするため反復回数を減らした設定を返す。
func fastKeyGenConfig() domain.KeyGenConfig {
	cfg := domain.DefaultKeyGenConfig()
	cfg.HashIterations = 16
	return cfg
}
