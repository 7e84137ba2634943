// Package wire は2台のデバイス間でやり取りする値のCBORエンコーディングを提供する。
//
// マップのキーは整数で、エンコードは正準順序にそろえる。時刻はRFC3339Nano文字列。
package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"

	"pairlet-service/internal/domain"
)

// MessageType はメッセージ種別。
type MessageType uint8

const (
	// TypeContext は測定ウィンドウ・共有コンテキストのメッセージ。
	TypeContext MessageType = 1
	// TypeConfirmation は鍵確認ハッシュのメッセージ。
	TypeConfirmation MessageType = 2
)

var (
	// ErrUnknownMessageType は未知のメッセージ種別を受信した場合のエラー。
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrInvalidMessage はメッセージの内容が不正な場合のエラー。
	ErrInvalidMessage = errors.New("invalid message")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create wire CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create wire CBOR decoder mode: %v", err))
	}
}

// Quality は EntropyQuality のワイヤ表現。
type Quality struct {
	ShannonEntropy      float64 `cbor:"1,keyasint"`
	SampleRate          float64 `cbor:"2,keyasint"`
	SignalToNoise       float64 `cbor:"3,keyasint"`
	TemporalConsistency float64 `cbor:"4,keyasint"`
}

// Window は MeasurementWindow のワイヤ表現。
type Window struct {
	StartTime    time.Time     `cbor:"1,keyasint"`
	Duration     time.Duration `cbor:"2,keyasint"`
	Measurements []float64     `cbor:"3,keyasint"`
	Quality      Quality       `cbor:"4,keyasint"`
}

// ContextMessage は相手デバイスへ送る測定ウィンドウと、確立済みであれば共有コンテキストの要約。
// Quality と TimeWindow はコンテキスト未確立の場合0。
type ContextMessage struct {
	Type          MessageType   `cbor:"1,keyasint"`
	DeviceID      string        `cbor:"2,keyasint"`
	SentAt        time.Time     `cbor:"3,keyasint"`
	Quality       float64       `cbor:"4,keyasint"`
	TimeWindow    time.Duration `cbor:"5,keyasint"`
	EstablishedAt time.Time     `cbor:"6,keyasint"`
	Windows       []Window      `cbor:"7,keyasint"`
}

// ConfirmationMessage は1ラウンド分の鍵確認ハッシュ。
type ConfirmationMessage struct {
	Type     MessageType `cbor:"1,keyasint"`
	DeviceID string      `cbor:"2,keyasint"`
	Round    int         `cbor:"3,keyasint"`
	Hash     []byte      `cbor:"4,keyasint"`
}

// header は種別判定用にTypeのみを読む。
type header struct {
	Type MessageType `cbor:"1,keyasint"`
}

// NewContextMessage はウィンドウ列から ContextMessage を生成する。sc が nil でなければ要約を含める。
func NewContextMessage(deviceID string, sentAt time.Time, windows []domain.MeasurementWindow, sc *domain.SharedContext) *ContextMessage {
	msg := &ContextMessage{
		Type:     TypeContext,
		DeviceID: deviceID,
		SentAt:   sentAt,
		Windows:  make([]Window, len(windows)),
	}
	for i, w := range windows {
		msg.Windows[i] = Window{
			StartTime:    w.StartTime,
			Duration:     w.Duration,
			Measurements: w.Measurements,
			Quality:      Quality(w.Quality),
		}
	}
	if sc != nil {
		msg.Quality = sc.Quality
		msg.TimeWindow = sc.TimeWindow
		msg.EstablishedAt = sc.EstablishedAt
	}
	return msg
}

// MeasurementWindows はメッセージ中のウィンドウをドメインの型に変換する。
func (m *ContextMessage) MeasurementWindows() []domain.MeasurementWindow {
	out := make([]domain.MeasurementWindow, len(m.Windows))
	for i, w := range m.Windows {
		out[i] = domain.MeasurementWindow{
			StartTime:    w.StartTime,
			Duration:     w.Duration,
			Measurements: w.Measurements,
			Quality:      domain.EntropyQuality(w.Quality),
		}
	}
	return out
}

// SharedContext はメッセージが共有コンテキストの要約を含む場合にそれを返す。含まなければnil。
func (m *ContextMessage) SharedContext() *domain.SharedContext {
	if m.EstablishedAt.IsZero() {
		return nil
	}
	return &domain.SharedContext{
		TimeWindow:    m.TimeWindow,
		Measurements:  m.MeasurementWindows(),
		Quality:       m.Quality,
		EstablishedAt: m.EstablishedAt,
	}
}

// EncodeContext は ContextMessage をCBORにエンコードする。
func EncodeContext(msg *ContextMessage) ([]byte, error) {
	msg.Type = TypeContext
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(msg)
}

// DecodeContext はCBORから ContextMessage をデコードする。
func DecodeContext(data []byte) (*ContextMessage, error) {
	if err := expectType(data, TypeContext); err != nil {
		return nil, err
	}
	var msg ContextMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *ContextMessage) validate() error {
	if math.IsNaN(m.Quality) || m.Quality < 0 || m.Quality > 1 {
		return fmt.Errorf("%w: context quality %v out of range [0,1]", ErrInvalidMessage, m.Quality)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalidMessage)
	}
	return nil
}

// EncodeConfirmation は ConfirmationMessage をCBORにエンコードする。
func EncodeConfirmation(msg *ConfirmationMessage) ([]byte, error) {
	msg.Type = TypeConfirmation
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(msg)
}

// DecodeConfirmation はCBORから ConfirmationMessage をデコードする。
func DecodeConfirmation(data []byte) (*ConfirmationMessage, error) {
	if err := expectType(data, TypeConfirmation); err != nil {
		return nil, err
	}
	var msg ConfirmationMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *ConfirmationMessage) validate() error {
	if m.Round < 0 {
		return fmt.Errorf("%w: negative round %d", ErrInvalidMessage, m.Round)
	}
	if len(m.Hash) == 0 {
		return fmt.Errorf("%w: empty confirmation hash", ErrInvalidMessage)
	}
	return nil
}

// PeekType はメッセージ種別を返す。未知の種別は ErrUnknownMessageType。
func PeekType(data []byte) (MessageType, error) {
	var h header
	if err := decMode.Unmarshal(data, &h); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch h.Type {
	case TypeContext, TypeConfirmation:
		return h.Type, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownMessageType, h.Type)
	}
}

func expectType(data []byte, want MessageType) error {
	got, err := PeekType(data)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: want type %d, got %d", ErrInvalidMessage, want, got)
	}
	return nil
}
