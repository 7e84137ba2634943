package usecase

import (
	"context"
	"testing"
	"time"

	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
)

func newTestContextManager(clk clock.Clock) *ContextManager {
	return NewContextManager(domain.DefaultContextConfig(), newTestValidator(clk), clk)
}

func addWindows(v *CoPresenceValidator, start time.Time, snr float64) []domain.MeasurementWindow {
	values := [][]float64{
		{0.1, 0.7, 0.3, 0.9, 0.2},
		{0.8, 0.1, 0.6, 0.2, 0.4},
		{0.3, 0.5, 0.9, 0.1, 0.7},
	}
	var added []domain.MeasurementWindow
	for i, vals := range values {
		w := window(start.Add(time.Duration(i)*time.Second), snr, vals...)
		v.AddWindow(w)
		added = append(added, w)
	}
	return added
}

// newestFirst は windows を逆順に並べ替えたコピーを返す。
func newestFirst(windows []domain.MeasurementWindow) []domain.MeasurementWindow {
	out := make([]domain.MeasurementWindow, len(windows))
	for i, w := range windows {
		out[len(windows)-1-i] = w
	}
	return out
}

func TestContextManager_EstablishContext_Success(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	m := newTestContextManager(clk)
	peer := addWindows(m.Validator(), testEpoch, 10)
	clk.Advance(3 * time.Second)

	sc, err := m.EstablishContext(context.Background(), newestFirst(peer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc == nil {
		t.Fatal("want shared context, got nil")
	}
	if sc.Quality < 0.99 {
		t.Errorf("want quality near 1.0, got %v", sc.Quality)
	}
	if sc.TimeWindow != 3*time.Second {
		t.Errorf("want time window 3s, got %v", sc.TimeWindow)
	}
	// TimeWindow は有効なウィンドウの Duration の合計
	var total time.Duration
	for _, w := range sc.Measurements {
		total += w.Duration
	}
	if sc.TimeWindow != total {
		t.Errorf("want time window equal to summed window durations %v, got %v", total, sc.TimeWindow)
	}
	if len(sc.Measurements) != 3 {
		t.Errorf("want 3 measurement windows, got %d", len(sc.Measurements))
	}
	if !sc.EstablishedAt.Equal(clk.Now()) {
		t.Errorf("want established at %v, got %v", clk.Now(), sc.EstablishedAt)
	}
	if cur := m.CurrentContext(); cur == nil || cur.Quality != sc.Quality {
		t.Errorf("want current context to be the established one, got %+v", cur)
	}
	if !m.IsContextValid(sc) {
		t.Error("want fresh context to be valid")
	}
}

func TestContextManager_EstablishContext_NotEnoughWindows(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	m := newTestContextManager(clk)
	m.Validator().AddWindow(window(testEpoch, 10, 0.1, 0.2))

	sc, err := m.EstablishContext(context.Background(), []domain.MeasurementWindow{window(testEpoch, 10, 0.1, 0.2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc != nil {
		t.Errorf("want nil context, got %+v", sc)
	}
	if m.CurrentContext() != nil {
		t.Error("want no current context")
	}
}

func TestContextManager_EstablishContext_StaleWindows(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	m := newTestContextManager(clk)
	peer := addWindows(m.Validator(), testEpoch, 10)
	clk.Advance(2 * time.Minute)

	sc, err := m.EstablishContext(context.Background(), newestFirst(peer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc != nil {
		t.Errorf("want nil context for stale windows, got %+v", sc)
	}
}

func TestContextManager_EstablishContext_SkipsStaleWindowInTimeWindow(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	m := newTestContextManager(clk)
	peer := addWindows(m.Validator(), testEpoch, 10)
	// 最も古いウィンドウだけが max_age を超える
	clk.Advance(m.Config().MaxAge + 500*time.Millisecond)

	sc, err := m.EstablishContext(context.Background(), newestFirst(peer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc == nil {
		t.Fatal("want shared context from the two fresh windows, got nil")
	}
	if sc.TimeWindow != 2*time.Second {
		t.Errorf("want time window 2s from fresh windows only, got %v", sc.TimeWindow)
	}
}

func TestContextManager_EstablishContext_LowQuality(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	m := newTestContextManager(clk)
	addWindows(m.Validator(), testEpoch, 10)

	// 相手は逆相関かつSNRが大きく異なる。
	peer := []domain.MeasurementWindow{
		window(testEpoch.Add(2*time.Second), 1, 0.7, 0.5, 0.1, 0.9, 0.3),
		window(testEpoch.Add(time.Second), 1, 0.2, 0.9, 0.4, 0.8, 0.6),
		window(testEpoch, 1, 0.9, 0.3, 0.7, 0.1, 0.8),
	}
	sc, err := m.EstablishContext(context.Background(), peer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc != nil {
		t.Errorf("want nil context for low quality, got quality %v", sc.Quality)
	}
}

func TestContextManager_IsContextValid(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	m := newTestContextManager(clk)

	tests := []struct {
		name string
		sc   *domain.SharedContext
		want bool
	}{
		{"nil", nil, false},
		{"fresh high quality", sharedContext(0.9, testEpoch), true},
		{"low quality", sharedContext(0.5, testEpoch), false},
		{"too old", sharedContext(0.9, testEpoch.Add(-2*time.Minute)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsContextValid(tt.sc); got != tt.want {
				t.Errorf("want %v, got %v", tt.want, got)
			}
		})
	}
}
