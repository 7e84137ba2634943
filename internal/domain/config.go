package domain

import "time"

// ContextConfig は共有コンテキスト確立の設定を表す。
type ContextConfig struct {
	MinQuality      float64
	RequiredWindows int
	MaxAge          time.Duration
}

// DefaultContextConfig は既定のContextConfigを返す。
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MinQuality:      0.8,
		RequiredWindows: 3,
		MaxAge:          60 * time.Second,
	}
}

// CoPresenceConfig は共存検証の設定を表す。
type CoPresenceConfig struct {
	MinCorrelation float64
	MaxTimeDiff    time.Duration
	MinProximity   float64
	WindowSize     time.Duration
}

// DefaultCoPresenceConfig は既定のCoPresenceConfigを返す。
func DefaultCoPresenceConfig() CoPresenceConfig {
	return CoPresenceConfig{
		MinCorrelation: 0.8,
		MaxTimeDiff:    100 * time.Millisecond,
		MinProximity:   0.9,
		WindowSize:     time.Second,
	}
}

// KeyGenConfig は鍵導出の設定を表す。
type KeyGenConfig struct {
	KeyLength      int // バイト数
	MinQuality     float64
	HashIterations int
}

// DefaultKeyGenConfig は既定のKeyGenConfigを返す（256bit鍵）。
func DefaultKeyGenConfig() KeyGenConfig {
	return KeyGenConfig{
		KeyLength:      32,
		MinQuality:     0.8,
		HashIterations: 10000,
	}
}

// ExchangeConfig は鍵交換の設定を表す。
// ConfirmationTimeout はKeyExchange自身では検査しない。呼び出し側が期限を設ける。
type ExchangeConfig struct {
	ConfirmationTimeout time.Duration
	ConfirmationRounds  int
	MinKeyQuality       float64
}

// DefaultExchangeConfig は既定のExchangeConfigを返す。
func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		ConfirmationTimeout: 30 * time.Second,
		ConfirmationRounds:  3,
		MinKeyQuality:       0.8,
	}
}

// RotationConfig は鍵ローテーションの設定を表す。
type RotationConfig struct {
	MaxKeyLifetime           time.Duration
	RotationQualityThreshold float64
	MaxHistorySize           int
	MinRotationInterval      time.Duration
}

// DefaultRotationConfig は既定のRotationConfigを返す。
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxKeyLifetime:           time.Hour,
		RotationQualityThreshold: 0.9,
		MaxHistorySize:           10,
		MinRotationInterval:      5 * time.Minute,
	}
}

// RecoveryConfig は鍵復旧の設定を表す。
type RecoveryConfig struct {
	MaxContextAge       time.Duration
	MinRecoveryQuality  float64
	ConfirmationRounds  int
	MaxRecoveryAttempts int
}

// DefaultRecoveryConfig は既定のRecoveryConfigを返す。
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxContextAge:       24 * time.Hour,
		MinRecoveryQuality:  0.9,
		ConfirmationRounds:  5,
		MaxRecoveryAttempts: 3,
	}
}

// ProtocolConfig は1台分のプロトコル部品の設定一式。
type ProtocolConfig struct {
	Sensor     SensorConfig
	CoPresence CoPresenceConfig
	Context    ContextConfig
	KeyGen     KeyGenConfig
	Exchange   ExchangeConfig
	Rotation   RotationConfig
	Recovery   RecoveryConfig
}

// DefaultProtocolConfig は既定値のみからなるProtocolConfigを返す。
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		Sensor:     DefaultSensorConfig(),
		CoPresence: DefaultCoPresenceConfig(),
		Context:    DefaultContextConfig(),
		KeyGen:     DefaultKeyGenConfig(),
		Exchange:   DefaultExchangeConfig(),
		Rotation:   DefaultRotationConfig(),
		Recovery:   DefaultRecoveryConfig(),
	}
}
