// Package clock は時刻取得と待機を抽象化する。
// 本番コードはReal()を、テストはNewFake()を注入する。
package clock

import (
	"sync"
	"time"
)

// Clock は時刻操作のインターフェース。
type Clock interface {
	// Now は現在時刻を返す。
	Now() time.Time
	// After は d 経過後に時刻を受信するチャネルを返す。
	After(d time.Duration) <-chan time.Time
}

// Real は標準のtimeパッケージに基づくClockを返す。
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Since は c から見た t からの経過時間を返す。
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Fake はテスト用の決定的なClock。
// 時刻はAdvanceまたはAfterの呼び出しでのみ進む。
// Afterは待機せずに時刻を d だけ進め、即座に受信可能なチャネルを返す。
type Fake struct {
	mu      sync.Mutex
	current time.Time
}

// NewFake は initial を現在時刻とするFakeを生成する。
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now は現在の偽時刻を返す。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After は時刻を d 進めてから、その時刻を送信済みのチャネルを返す。
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.current = f.current.Add(d)
	}
	ch := make(chan time.Time, 1)
	ch <- f.current
	return ch
}

// Advance は時刻を d 進める。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// Set は時刻を t に設定する。
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}
