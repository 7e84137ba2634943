package usecase

import (
	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

// Device は1台分のプロトコル部品をまとめたもの。
type Device struct {
	ID        string
	Contexts  *ContextManager
	Generator *KeyGenerator
	Exchange  *KeyExchange
	Rotation  *KeyRotation
	Recovery  *KeyRecovery
}

// NewDevice は設定からプロトコル部品一式を組み立てる。センサーは呼び出し側で登録する。
func NewDevice(id string, cfg domain.ProtocolConfig, clk clock.Clock) *Device {
	if clk == nil {
		clk = clock.Real()
	}
	validator := NewCoPresenceValidator(cfg.CoPresence, cfg.Sensor, clk)
	generator := NewKeyGenerator(cfg.KeyGen, clk)
	return &Device{
		ID:        id,
		Contexts:  NewContextManager(cfg.Context, validator, clk),
		Generator: generator,
		Exchange:  NewKeyExchange(cfg.Exchange, generator),
		Rotation:  NewKeyRotation(cfg.Rotation, clk),
		Recovery:  NewKeyRecovery(cfg.Recovery, generator, clk),
	}
}

// Validator はデバイスのCoPresenceValidatorを返す。
func (d *Device) Validator() *CoPresenceValidator {
	return d.Contexts.Validator()
}
