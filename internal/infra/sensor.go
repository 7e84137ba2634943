package infra

import (
	"fmt"
	"math"
	"sync"
	"time"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

// 標準大気圧 (hPa)。
const basePressure = 1013.25

// signalFunc は時刻 t (秒) における1サンプル分の信号値を返す。値はおおむね -1.0〜1.0。
type signalFunc func(t float64, index int) float64

// simulatedSensor は時刻からの決定的な波形を返す模擬センサー。
// サンプル時刻は 1/sample_rate 単位に量子化されるため、
// 同じ瞬間にサンプリングした同一環境のデバイスは同じ値を観測する。
type simulatedSensor struct {
	description string
	channels    int
	signal      signalFunc
	clock       clock.Clock

	mu      sync.Mutex
	config  domain.SensorConfig
	running bool
	samples []float64
	bytes   []byte
}

func newSimulatedSensor(description string, channels int, signal signalFunc, clk clock.Clock) *simulatedSensor {
	if clk == nil {
		clk = clock.Real()
	}
	return &simulatedSensor{
		description: description,
		channels:    channels,
		signal:      signal,
		clock:       clk,
		config:      domain.DefaultSensorConfig(),
	}
}

// Start はセンサーを開始する。
func (s *simulatedSensor) Start(cfg domain.SensorConfig) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive", domain.ErrSensorUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	s.running = true
	return nil
}

// Stop はセンサーを停止する。
func (s *simulatedSensor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// Description はセンサーの説明を返す。
func (s *simulatedSensor) Description() string {
	return s.description
}

// Config は現在のサンプリング設定を返す。
func (s *simulatedSensor) Config() domain.SensorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// FillEntropy は現在時刻から始まるサンプル列を量子化して buf を埋める。
func (s *simulatedSensor) FillEntropy(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return domain.ErrSensorNotRunning
	}

	period := time.Duration(float64(time.Second) / s.config.SampleRate)
	start := s.clock.Now().Truncate(period)

	samples := make([]float64, len(buf))
	for i := range buf {
		tick := start.Add(time.Duration(i/s.channels) * period)
		t := float64(tick.UnixNano()) / float64(time.Second)
		v := s.signal(t, i%s.channels)
		samples[i] = v
		buf[i] = quantize(v, s.config.Precision)
	}
	s.samples = samples
	s.bytes = append(s.bytes[:0], buf...)
	return nil
}

// Quality は直近に読み取ったサンプルの品質を返す。
func (s *simulatedSensor) Quality() (domain.EntropyQuality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return domain.EntropyQuality{}, domain.ErrSensorNotRunning
	}
	return domain.EntropyQuality{
		ShannonEntropy:      shannonEntropy(s.bytes),
		SampleRate:          s.config.SampleRate,
		SignalToNoise:       signalToNoise(s.samples, s.channels),
		TemporalConsistency: temporalConsistency(s.samples, s.channels),
	}, nil
}

// quantize は -1.0〜1.0 の値を precision ビットに量子化し、上位と下位を畳み込んだ1バイトを返す。
func quantize(v float64, precision uint8) byte {
	if precision == 0 || precision > 32 {
		precision = 16
	}
	v = math.Max(-1, math.Min(1, v))
	levels := float64(uint64(1)<<precision - 1)
	q := uint32((v + 1) / 2 * levels)
	return byte(q ^ q>>8 ^ q>>16 ^ q>>24)
}

// shannonEntropy はバイトのヒストグラムから求めたエントロピーを 0.0〜1.0 に正規化して返す。
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / 8
}

// channelDiffs はチャネルごとの隣接サンプル差の絶対値を返す。
func channelDiffs(samples []float64, channels int) (signal float64, diffs []float64) {
	for i := channels; i < len(samples); i++ {
		signal += math.Abs(samples[i-channels])
		diffs = append(diffs, math.Abs(samples[i]-samples[i-channels]))
	}
	return signal, diffs
}

// signalToNoise は Σ|s| / Σ|Δ| を返す。差分が0の場合は0。
func signalToNoise(samples []float64, channels int) float64 {
	signal, diffs := channelDiffs(samples, channels)
	noise := 0.0
	for _, d := range diffs {
		noise += d
	}
	if noise == 0 {
		return 0
	}
	return signal / noise
}

// temporalConsistency は 1/(1+var(|Δ|)) を返す。
func temporalConsistency(samples []float64, channels int) float64 {
	_, diffs := channelDiffs(samples, channels)
	if len(diffs) == 0 {
		return 0
	}
	mean := 0.0
	for _, d := range diffs {
		mean += d
	}
	mean /= float64(len(diffs))
	variance := 0.0
	for _, d := range diffs {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(diffs))
	return 1 / (1 + variance)
}

// Accelerometer は3軸加速度センサーの模擬実装。
type Accelerometer struct {
	*simulatedSensor
}

// NewAccelerometer は新しいAccelerometerを生成する。
func NewAccelerometer(clk clock.Clock) *Accelerometer {
	return &Accelerometer{
		simulatedSensor: newSimulatedSensor("3-Axis Accelerometer (simulated)", 3, accelerationSignal, clk),
	}
}

func accelerationSignal(t float64, axis int) float64 {
	switch axis {
	case 0:
		return 0.5*math.Sin(2*math.Pi*t) + 0.2*math.Sin(2*math.Pi*7.3*t)
	case 1:
		return 0.3*math.Cos(3*math.Pi*t) + 0.15*math.Sin(2*math.Pi*11.7*t)
	default:
		return 0.1*math.Sin(5*t) + 0.4*math.Cos(2*math.Pi*4.9*t)
	}
}

// Barometer は気圧センサーの模擬実装。
type Barometer struct {
	*simulatedSensor
}

// NewBarometer は新しいBarometerを生成する。
func NewBarometer(clk clock.Clock) *Barometer {
	return &Barometer{
		simulatedSensor: newSimulatedSensor("Barometric Pressure Sensor (simulated)", 1, pressureSignal, clk),
	}
}

// Pressure は時刻 t における模擬気圧 (hPa) を返す。
func Pressure(t time.Time) float64 {
	return basePressure + pressureSignal(float64(t.UnixNano())/float64(time.Second), 0)
}

func pressureSignal(t float64, _ int) float64 {
	return 0.5*math.Sin(2*math.Pi*t) +
		0.1*math.Sin(10*math.Pi*t) +
		0.05*math.Sin(2*math.Pi*13.1*t)
}
