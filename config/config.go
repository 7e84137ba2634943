// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"pairlet-service/internal/domain"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	KMSKeyName         string
	LocalKMSKey        string
	GoogleCloudProject string
	LogLevel           string
	DeviceID           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		LocalKMSKey:        os.Getenv("LOCAL_KMS_KEY"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		DeviceID:           getEnv("DEVICE_ID", "device-local"),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:       getEnvBool("OTEL_INSECURE", false),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "pairlet-service"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

// SlogLevel はLOG_LEVELをslog.Levelに変換する。
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadProtocol は環境変数からプロトコル設定を読み込む。未設定の項目は既定値を使う。
func LoadProtocol() domain.ProtocolConfig {
	d := domain.DefaultProtocolConfig()
	return domain.ProtocolConfig{
		Sensor: domain.SensorConfig{
			SampleRate: getEnvFloat("SENSOR_SAMPLE_RATE", d.Sensor.SampleRate),
			Precision:  uint8(getEnvInt("SENSOR_PRECISION", int(d.Sensor.Precision))),
			MinQuality: getEnvFloat("SENSOR_MIN_QUALITY", d.Sensor.MinQuality),
			Window:     getEnvDuration("SENSOR_WINDOW", d.Sensor.Window),
		},
		CoPresence: domain.CoPresenceConfig{
			MinCorrelation: getEnvFloat("COPRESENCE_MIN_CORRELATION", d.CoPresence.MinCorrelation),
			MaxTimeDiff:    getEnvDuration("COPRESENCE_MAX_TIME_DIFF", d.CoPresence.MaxTimeDiff),
			MinProximity:   getEnvFloat("COPRESENCE_MIN_PROXIMITY", d.CoPresence.MinProximity),
			WindowSize:     getEnvDuration("COPRESENCE_WINDOW_SIZE", d.CoPresence.WindowSize),
		},
		Context: domain.ContextConfig{
			MinQuality:      getEnvFloat("CONTEXT_MIN_QUALITY", d.Context.MinQuality),
			RequiredWindows: getEnvInt("CONTEXT_REQUIRED_WINDOWS", d.Context.RequiredWindows),
			MaxAge:          getEnvDuration("CONTEXT_MAX_AGE", d.Context.MaxAge),
		},
		KeyGen: domain.KeyGenConfig{
			KeyLength:      getEnvInt("KEYGEN_KEY_LENGTH", d.KeyGen.KeyLength),
			MinQuality:     getEnvFloat("KEYGEN_MIN_QUALITY", d.KeyGen.MinQuality),
			HashIterations: getEnvInt("KEYGEN_HASH_ITERATIONS", d.KeyGen.HashIterations),
		},
		Exchange: domain.ExchangeConfig{
			ConfirmationTimeout: getEnvDuration("EXCHANGE_CONFIRMATION_TIMEOUT", d.Exchange.ConfirmationTimeout),
			ConfirmationRounds:  getEnvInt("EXCHANGE_CONFIRMATION_ROUNDS", d.Exchange.ConfirmationRounds),
			MinKeyQuality:       getEnvFloat("EXCHANGE_MIN_KEY_QUALITY", d.Exchange.MinKeyQuality),
		},
		Rotation: domain.RotationConfig{
			MaxKeyLifetime:           getEnvDuration("ROTATION_MAX_KEY_LIFETIME", d.Rotation.MaxKeyLifetime),
			RotationQualityThreshold: getEnvFloat("ROTATION_QUALITY_THRESHOLD", d.Rotation.RotationQualityThreshold),
			MaxHistorySize:           getEnvInt("ROTATION_MAX_HISTORY_SIZE", d.Rotation.MaxHistorySize),
			MinRotationInterval:      getEnvDuration("ROTATION_MIN_INTERVAL", d.Rotation.MinRotationInterval),
		},
		Recovery: domain.RecoveryConfig{
			MaxContextAge:       getEnvDuration("RECOVERY_MAX_CONTEXT_AGE", d.Recovery.MaxContextAge),
			MinRecoveryQuality:  getEnvFloat("RECOVERY_MIN_QUALITY", d.Recovery.MinRecoveryQuality),
			ConfirmationRounds:  getEnvInt("RECOVERY_CONFIRMATION_ROUNDS", d.Recovery.ConfirmationRounds),
			MaxRecoveryAttempts: getEnvInt("RECOVERY_MAX_ATTEMPTS", d.Recovery.MaxRecoveryAttempts),
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid bool env, using default", "key", key, "value", val)
		return defaultVal
	}
	return b
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		slog.Warn("invalid float env, using default", "key", key, "value", val)
		return defaultVal
	}
	return f
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid int env, using default", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration env, using default", "key", key, "value", val)
		return defaultVal
	}
	return d
}
