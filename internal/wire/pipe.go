package wire

import (
	"context"
	"fmt"
)

// Endpoint はメモリ上のパイプの片側。確認ハッシュをCBORで送受信する。
// 同一プロセス内で2台のデバイスを動かす場合のトランスポートとして使う。
type Endpoint struct {
	deviceID string
	out      chan<- []byte
	in       <-chan []byte
}

// NewPipe は互いに接続された2つのEndpointを生成する。
func NewPipe(deviceA, deviceB string) (*Endpoint, *Endpoint) {
	ab := make(chan []byte, 1)
	ba := make(chan []byte, 1)
	return &Endpoint{deviceID: deviceA, out: ab, in: ba},
		&Endpoint{deviceID: deviceB, out: ba, in: ab}
}

// Send はエンコード済みのメッセージを相手に送る。
func (e *Endpoint) Send(ctx context.Context, data []byte) error {
	select {
	case e.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive は相手からのメッセージを1つ受け取る。
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-e.in:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExchangeConfirmation は自身の確認ハッシュを送り、同じラウンドの相手のハッシュを受け取る。
func (e *Endpoint) ExchangeConfirmation(ctx context.Context, round int, ours []byte) ([]byte, error) {
	data, err := EncodeConfirmation(&ConfirmationMessage{
		DeviceID: e.deviceID,
		Round:    round,
		Hash:     ours,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Send(ctx, data); err != nil {
		return nil, fmt.Errorf("sending confirmation round %d: %w", round, err)
	}

	reply, err := e.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("receiving confirmation round %d: %w", round, err)
	}
	msg, err := DecodeConfirmation(reply)
	if err != nil {
		return nil, err
	}
	if msg.Round != round {
		return nil, fmt.Errorf("%w: want round %d, got %d", ErrInvalidMessage, round, msg.Round)
	}
	return msg.Hash, nil
}
