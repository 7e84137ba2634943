package domain

import "time"

// EntropyQuality はエントロピー源ごとの品質スナップショットを表す。
type EntropyQuality struct {
	ShannonEntropy      float64 // 0.0〜1.0
	SampleRate          float64 // Hz
	SignalToNoise       float64 // 上限なし
	TemporalConsistency float64 // 0.0〜1.0
}

// SensorConfig はセンサーのサンプリング設定を表す。
type SensorConfig struct {
	SampleRate float64
	Precision  uint8
	MinQuality float64
	Window     time.Duration
}

// DefaultSensorConfig は既定のセンサー設定を返す。
func DefaultSensorConfig() SensorConfig {
	return SensorConfig{
		SampleRate: 100.0,
		Precision:  16,
		MinQuality: 0.7,
		Window:     time.Second,
	}
}

// MeasurementWindow は1回のサンプリング区間で得られた測定値を表す。
// 収集サイクル中にのみ生成され、以後変更されない。
type MeasurementWindow struct {
	StartTime    time.Time
	Duration     time.Duration
	Measurements []float64
	Quality      EntropyQuality
}

// SharedContext は鍵導出の基礎となる、2台のデバイスで合意された環境コンテキストを表す。
// 生成後は読み取り専用として扱う。
type SharedContext struct {
	TimeWindow    time.Duration
	Measurements  []MeasurementWindow
	Quality       float64 // 0.0〜1.0
	EstablishedAt time.Time
}
