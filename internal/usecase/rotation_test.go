package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

// corruptingConfirmer は指定ラウンドで相手のハッシュを改ざんするPeerConfirmer。
type corruptingConfirmer struct {
	round int
}

func (c corruptingConfirmer) ExchangeConfirmation(_ context.Context, round int, ours []byte) ([]byte, error) {
	out := append([]byte(nil), ours...)
	if round == c.round {
		out[0] ^= 0xff
	}
	return out, nil
}

type failingConfirmer struct{ err error }

func (c failingConfirmer) ExchangeConfirmation(context.Context, int, []byte) ([]byte, error) {
	return nil, c.err
}

func newTestRotation(clk clock.Clock, cfg domain.RotationConfig) (*KeyRotation, *KeyExchange) {
	gen := NewKeyGenerator(fastKeyGenConfig(), clk)
	return NewKeyRotation(cfg, clk), NewKeyExchange(domain.DefaultExchangeConfig(), gen)
}

func TestKeyRotation_RotateKey_FirstKey(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())
	sc := sharedContext(0.9, testEpoch)

	if !r.NeedsRotation(sc) {
		t.Error("want rotation needed without active key")
	}

	rec, err := r.RotateKey(context.Background(), sc, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Generation != 1 {
		t.Errorf("want generation 1, got %d", rec.Generation)
	}
	if rec.ID == "" {
		t.Error("want record ID assigned")
	}
	active := r.ActiveKey()
	if active == nil || active.Status != domain.KeyStatusActive {
		t.Fatalf("want active key, got %+v", active)
	}
	if len(r.KeyHistory()) != 0 {
		t.Errorf("want empty history, got %d", len(r.KeyHistory()))
	}
	if e.Status() != ExchangeComplete {
		t.Errorf("want exchange complete, got %s", e.Status())
	}
}

func TestKeyRotation_RotateKey_DemotesPrevious(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())

	first, err := r.RotateKey(context.Background(), sharedContext(0.9, testEpoch), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Advance(10 * time.Minute)
	second, err := r.RotateKey(context.Background(), sharedContext(0.95, clk.Now()), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.Generation != 2 {
		t.Errorf("want generation 2, got %d", second.Generation)
	}
	history := r.KeyHistory()
	if len(history) != 1 {
		t.Fatalf("want 1 history entry, got %d", len(history))
	}
	if history[0].ID != first.ID {
		t.Errorf("want previous key at front of history, got %s", history[0].ID)
	}
	if history[0].Status != domain.KeyStatusExpired {
		t.Errorf("want expired, got %s", history[0].Status)
	}
	if history[0].DeactivationReason != domain.ReasonRoutineRotation {
		t.Errorf("want reason %q, got %q", domain.ReasonRoutineRotation, history[0].DeactivationReason)
	}
	if history[0].DeactivatedAt == nil || !history[0].DeactivatedAt.Equal(clk.Now()) {
		t.Errorf("want deactivated at %v, got %v", clk.Now(), history[0].DeactivatedAt)
	}
}

func TestKeyRotation_HistoryBounded(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	cfg := domain.DefaultRotationConfig()
	cfg.MaxHistorySize = 2
	r, e := newTestRotation(clk, cfg)

	var gens []uint
	for i := 0; i < 5; i++ {
		rec, err := r.RotateKey(context.Background(), sharedContext(0.9, clk.Now()), e)
		if err != nil {
			t.Fatalf("rotation %d: unexpected error: %v", i, err)
		}
		gens = append(gens, rec.Generation)
		if n := len(r.KeyHistory()); n > cfg.MaxHistorySize {
			t.Fatalf("rotation %d: history size %d exceeds %d", i, n, cfg.MaxHistorySize)
		}
	}

	history := r.KeyHistory()
	if len(history) != 2 {
		t.Fatalf("want 2 history entries, got %d", len(history))
	}
	if history[0].Generation != 4 || history[1].Generation != 3 {
		t.Errorf("want generations [4 3], got [%d %d]", history[0].Generation, history[1].Generation)
	}
	if r.ActiveKey().Generation != 5 {
		t.Errorf("want active generation 5, got %d", r.ActiveKey().Generation)
	}
}

func TestKeyRotation_NeedsRotation_LifetimeExpiry(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	cfg := domain.RotationConfig{
		MaxKeyLifetime:           time.Second,
		RotationQualityThreshold: 0.9,
		MaxHistorySize:           10,
		MinRotationInterval:      0,
	}
	r, e := newTestRotation(clk, cfg)

	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, testEpoch), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(2 * time.Second)
	lowQuality := sharedContext(0.1, clk.Now())
	if !r.NeedsRotation(lowQuality) {
		t.Error("want rotation needed after key lifetime expiry")
	}
}

func TestKeyRotation_NeedsRotation_QualityAndInterval(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())

	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, testEpoch), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.NeedsRotation(sharedContext(0.95, clk.Now())) {
		t.Error("want no rotation before min interval")
	}

	clk.Advance(6 * time.Minute)
	if r.NeedsRotation(sharedContext(0.85, clk.Now())) {
		t.Error("want no rotation below quality threshold")
	}
	if !r.NeedsRotation(sharedContext(0.95, clk.Now())) {
		t.Error("want rotation for high quality context after min interval")
	}
}

func TestKeyRotation_RotateKey_ExchangeFails(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())

	_, err := r.RotateKey(context.Background(), sharedContext(0.3, testEpoch), e)
	if !errors.Is(err, domain.ErrInsufficientQuality) {
		t.Errorf("want ErrInsufficientQuality, got %v", err)
	}
	if r.ActiveKey() != nil {
		t.Error("want no active key after failed rotation")
	}
}

func TestKeyRotation_RotateKeyWithPeer_Mismatch(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())

	_, err := r.RotateKeyWithPeer(context.Background(), sharedContext(0.9, testEpoch), e, corruptingConfirmer{round: 2})
	if !errors.Is(err, domain.ErrConfirmationMismatch) {
		t.Errorf("want ErrConfirmationMismatch, got %v", err)
	}
	if e.Status() != ExchangeFailed {
		t.Errorf("want exchange failed, got %s", e.Status())
	}
	if r.ActiveKey() != nil {
		t.Error("want no active key after mismatch")
	}
}

func TestKeyRotation_RotateKeyWithPeer_TransportError(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())
	transportErr := errors.New("connection reset")

	_, err := r.RotateKeyWithPeer(context.Background(), sharedContext(0.9, testEpoch), e, failingConfirmer{err: transportErr})
	if !errors.Is(err, transportErr) {
		t.Errorf("want transport error, got %v", err)
	}
	if r.ActiveKey() != nil {
		t.Error("want no active key after transport error")
	}
}

func TestKeyRotation_InvalidateKey(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())

	if rec := r.InvalidateKey("nothing to do"); rec != nil {
		t.Errorf("want nil without active key, got %+v", rec)
	}

	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, testEpoch), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := r.InvalidateKey("device lost")
	if rec == nil || rec.Status != domain.KeyStatusInvalidated {
		t.Fatalf("want invalidated record, got %+v", rec)
	}
	if rec.DeactivationReason != "device lost" {
		t.Errorf("want reason device lost, got %q", rec.DeactivationReason)
	}
	if r.ActiveKey() != nil {
		t.Error("want no active key")
	}
	if h := r.KeyHistory(); len(h) != 1 || h[0].Status != domain.KeyStatusInvalidated {
		t.Errorf("want invalidated key in history, got %+v", h)
	}

	r.ClearHistory()
	if len(r.KeyHistory()) != 0 {
		t.Error("want history cleared")
	}
}

func TestKeyRotation_RecoverKey(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())
	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, testEpoch), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := r.RecoverKey(domain.KeyRecord{
		Key:         domain.DerivedKey{Key: []byte("recovered"), Quality: 0.95},
		ActivatedAt: clk.Now(),
	})
	if rec.Generation != 2 {
		t.Errorf("want generation 2, got %d", rec.Generation)
	}
	if string(r.ActiveKey().Key.Key) != "recovered" {
		t.Errorf("want recovered key active, got %q", r.ActiveKey().Key.Key)
	}
	h := r.KeyHistory()
	if len(h) != 1 || h[0].DeactivationReason != domain.ReasonKeyRecovery || h[0].Status != domain.KeyStatusExpired {
		t.Errorf("want previous key expired by recovery, got %+v", h)
	}
}

func TestKeyRotation_Restore(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	cfg := domain.DefaultRotationConfig()
	cfg.MaxHistorySize = 1
	r, e := newTestRotation(clk, cfg)

	deactivated := testEpoch.Add(-time.Hour)
	active := &domain.KeyRecord{ID: "a", Generation: 7, Status: domain.KeyStatusActive, ActivatedAt: testEpoch.Add(-time.Minute),
		Key: domain.DerivedKey{Key: []byte("k7"), GeneratedAt: testEpoch.Add(-time.Minute)}}
	history := []domain.KeyRecord{
		{ID: "b", Generation: 6, Status: domain.KeyStatusExpired, DeactivatedAt: &deactivated},
		{ID: "c", Generation: 5, Status: domain.KeyStatusExpired, DeactivatedAt: &deactivated},
	}
	r.Restore(active, history)

	if got := r.ActiveKey(); got == nil || got.Generation != 7 {
		t.Fatalf("want restored active generation 7, got %+v", got)
	}
	if h := r.KeyHistory(); len(h) != 1 || h[0].ID != "b" {
		t.Errorf("want history trimmed to newest entry, got %+v", h)
	}
	if r.NeedsRotation(sharedContext(0.95, clk.Now())) {
		t.Error("want no rotation right after restored activation")
	}

	rec, err := r.RotateKey(context.Background(), sharedContext(0.9, testEpoch), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Generation != 8 {
		t.Errorf("want generation 8 after restore, got %d", rec.Generation)
	}
}

func TestKeyRotation_ActiveKeyIsCopy(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())
	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, testEpoch), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.ActiveKey()
	got.Key.Key[0] ^= 0xff
	if r.ActiveKey().Key.Key[0] == got.Key.Key[0] {
		t.Error("want caller mutations not to affect stored key")
	}
}

func TestKeyRotation_ZeroHistorySize(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	cfg := domain.DefaultRotationConfig()
	cfg.MaxHistorySize = 0
	r, e := newTestRotation(clk, cfg)

	for i := 0; i < 2; i++ {
		if _, err := r.RotateKey(context.Background(), sharedContext(0.9, clk.Now()), e); err != nil {
			t.Fatalf("rotation %d: unexpected error: %v", i, err)
		}
	}
	if n := len(r.KeyHistory()); n != 0 {
		t.Errorf("want empty history, got %d entries", n)
	}

	rec := r.InvalidateKey("device lost")
	if rec == nil {
		t.Fatal("want invalidated record even without history")
	}
	if rec.Generation != 2 || rec.Status != domain.KeyStatusInvalidated {
		t.Errorf("want generation 2 invalidated, got generation %d status %s", rec.Generation, rec.Status)
	}
	if rec.DeactivationReason != "device lost" {
		t.Errorf("want reason device lost, got %q", rec.DeactivationReason)
	}

	recovered := r.RecoverKey(domain.KeyRecord{
		Key:         domain.DerivedKey{Key: []byte("recovered"), GeneratedAt: clk.Now()},
		ActivatedAt: clk.Now(),
	})
	if recovered.Generation != 3 {
		t.Errorf("want generation 3, got %d", recovered.Generation)
	}
	if n := len(r.KeyHistory()); n != 0 {
		t.Errorf("want empty history after recovery, got %d entries", n)
	}
	if r.ActiveKey() == nil {
		t.Error("want recovered key active")
	}
}

func TestKeyRotation_RecoverKey_ResetsRotationInterval(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	cfg := domain.DefaultRotationConfig()
	cfg.MinRotationInterval = 5 * time.Minute
	r, e := newTestRotation(clk, cfg)

	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, clk.Now()), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Advance(10 * time.Minute)
	if !r.NeedsRotation(sharedContext(0.95, clk.Now())) {
		t.Fatal("want rotation due before recovery")
	}

	r.RecoverKey(domain.KeyRecord{
		Key:         domain.DerivedKey{Key: []byte("recovered"), Quality: 0.95, GeneratedAt: clk.Now()},
		ActivatedAt: clk.Now(),
	})
	if r.NeedsRotation(sharedContext(0.95, clk.Now())) {
		t.Error("want no rotation right after recovery")
	}

	clk.Advance(cfg.MinRotationInterval)
	if !r.NeedsRotation(sharedContext(0.95, clk.Now())) {
		t.Error("want rotation due once the interval has passed since recovery")
	}
}

func TestKeyRotation_SnapshotRollback(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	r, e := newTestRotation(clk, domain.DefaultRotationConfig())
	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, clk.Now()), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := r.snapshot()
	clk.Advance(time.Minute)
	if _, err := r.RotateKey(context.Background(), sharedContext(0.9, clk.Now()), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.rollback(st)

	if got := r.ActiveKey(); got == nil || got.Generation != 1 {
		t.Fatalf("want generation 1 active after rollback, got %+v", got)
	}
	if n := len(r.KeyHistory()); n != 0 {
		t.Errorf("want empty history after rollback, got %d entries", n)
	}
	rec, err := r.RotateKey(context.Background(), sharedContext(0.9, clk.Now()), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Generation != 2 {
		t.Errorf("want generation counter restored, got %d", rec.Generation)
	}
}
