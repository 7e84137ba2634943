package usecase

import (
	"bytes"
	"errors"
	"testing"

	"pairlet-service/internal/domain"
)

func newTestExchange() *KeyExchange {
	return NewKeyExchange(domain.DefaultExchangeConfig(), NewKeyGenerator(fastKeyGenConfig(), nil))
}

func TestKeyExchange_BothSidesComplete(t *testing.T) {
	sc := sharedContext(0.9, testEpoch)
	a, b := newTestExchange(), newTestExchange()

	if err := a.StartExchange(sc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.StartExchange(sc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status() != ExchangeConfirmingKeys {
		t.Fatalf("want confirming_keys, got %s", a.Status())
	}

	for round := 0; round < a.ConfirmationRounds(); round++ {
		ha, err := a.GenerateConfirmation(round)
		if err != nil {
			t.Fatalf("round %d: unexpected error: %v", round, err)
		}
		hb, err := b.GenerateConfirmation(round)
		if err != nil {
			t.Fatalf("round %d: unexpected error: %v", round, err)
		}
		if ok, err := a.VerifyConfirmation(round, hb); err != nil || !ok {
			t.Fatalf("round %d: want match, got %v, %v", round, ok, err)
		}
		if ok, err := b.VerifyConfirmation(round, ha); err != nil || !ok {
			t.Fatalf("round %d: want match, got %v, %v", round, ok, err)
		}
		if round < a.ConfirmationRounds()-1 && a.Status() != ExchangeConfirmingKeys {
			t.Errorf("round %d: want confirming_keys, got %s", round, a.Status())
		}
	}

	if a.Status() != ExchangeComplete || b.Status() != ExchangeComplete {
		t.Fatalf("want both complete, got %s and %s", a.Status(), b.Status())
	}
	if !bytes.Equal(a.Key().Key, b.Key().Key) {
		t.Error("want identical keys on both sides")
	}
}

func TestKeyExchange_ConfirmationHashDependsOnRound(t *testing.T) {
	e := newTestExchange()
	if err := e.StartExchange(sharedContext(0.9, testEpoch)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h0, _ := e.GenerateConfirmation(0)
	h1, _ := e.GenerateConfirmation(1)
	if bytes.Equal(h0, h1) {
		t.Error("want distinct hashes per round")
	}
	if !bytes.Equal(h0, confirmationHash(e.Key().Key, 0)) {
		t.Error("want hash(key || round)")
	}
}

func TestKeyExchange_MismatchFails(t *testing.T) {
	e := newTestExchange()
	if err := e.StartExchange(sharedContext(0.9, testEpoch)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.GenerateConfirmation(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := e.VerifyConfirmation(0, []byte("not the peer hash"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("want mismatch")
	}
	if e.Status() != ExchangeFailed {
		t.Fatalf("want failed, got %s", e.Status())
	}

	// Failed は Reset まで維持される。
	if _, err := e.GenerateConfirmation(1); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("want ErrInvalidState, got %v", err)
	}
	if _, err := e.VerifyConfirmation(0, nil); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("want ErrInvalidState, got %v", err)
	}
	if err := e.StartExchange(sharedContext(0.9, testEpoch)); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("want ErrInvalidState, got %v", err)
	}
	if e.Status() != ExchangeFailed {
		t.Errorf("want failed, got %s", e.Status())
	}

	e.Reset()
	if e.Status() != ExchangeNotStarted {
		t.Errorf("want not_started, got %s", e.Status())
	}
	if e.Key() != nil {
		t.Error("want key cleared")
	}
	if err := e.StartExchange(sharedContext(0.9, testEpoch)); err != nil {
		t.Errorf("want restart after reset, got %v", err)
	}
}

func TestKeyExchange_LowQualityContext(t *testing.T) {
	e := newTestExchange()

	err := e.StartExchange(sharedContext(0.3, testEpoch))
	if !errors.Is(err, domain.ErrInsufficientQuality) {
		t.Errorf("want ErrInsufficientQuality, got %v", err)
	}
	if e.Status() != ExchangeFailed {
		t.Errorf("want failed, got %s", e.Status())
	}
	if e.Key() != nil {
		t.Error("want no key")
	}
}

func TestKeyExchange_ConfirmBeforeStart(t *testing.T) {
	e := newTestExchange()

	if _, err := e.GenerateConfirmation(0); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("want ErrInvalidState, got %v", err)
	}
	if _, err := e.VerifyConfirmation(0, []byte{1}); !errors.Is(err, domain.ErrConfirmationNotFound) {
		t.Errorf("want ErrConfirmationNotFound, got %v", err)
	}
	if e.Status() != ExchangeNotStarted {
		t.Errorf("want not_started, got %s", e.Status())
	}
}

func TestKeyExchange_VerifyUnknownRound(t *testing.T) {
	e := newTestExchange()
	if err := e.StartExchange(sharedContext(0.9, testEpoch)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.VerifyConfirmation(2, []byte{1}); !errors.Is(err, domain.ErrConfirmationNotFound) {
		t.Errorf("want ErrConfirmationNotFound, got %v", err)
	}
	if e.Status() != ExchangeConfirmingKeys {
		t.Errorf("want confirming_keys, got %s", e.Status())
	}
}

func TestExchangeStatus_String(t *testing.T) {
	if got := ExchangeComplete.String(); got != "complete" {
		t.Errorf("want complete, got %s", got)
	}
	if got := ExchangeStatus(42).String(); got != "unknown(42)" {
		t.Errorf("want unknown(42), got %s", got)
	}
}
