// internal/stream/breaker_test.go
package stream

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	b := NewCircuitBreaker(cfg)
	clk := newFakeClock()
	b.now = clk.Now
	return b, clk
}

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 5})
	for i := 1; i <= 4; i++ {
		b.Record(false)
		if got := b.State(); got != BreakerClosed {
			t.Fatalf("after %d failures state = %v, want closed", i, got)
		}
	}
	b.Record(false)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("after 5 failures state = %v, want open", got)
	}
}

func TestBreaker_SuccessResetsFailureCountWhileClosed(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})
	b.Record(false)
	b.Record(false)
	b.Record(true) // сбрасывает счётчик
	b.Record(false)
	b.Record(false)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed: success must reset failure count", got)
	}
	b.Record(false)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreaker_HalfOpenNotBeforeOpenDuration(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 30 * time.Second})
	b.Record(false)
	if b.AllowAttempt() {
		t.Fatal("AllowAttempt must be false right after opening")
	}
	clk.Advance(29 * time.Second)
	if b.AllowAttempt() {
		t.Fatal("AllowAttempt must be false before OpenDuration elapses")
	}
	clk.Advance(time.Second)
	if !b.AllowAttempt() {
		t.Fatal("AllowAttempt must be true once OpenDuration elapsed")
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessStreak(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		FailureThreshold:         1,
		OpenDuration:             time.Second,
		HalfOpenSuccessThreshold: 3,
	})
	b.Record(false)
	clk.Advance(time.Second)
	if !b.AllowAttempt() {
		t.Fatal("probe attempt must be allowed")
	}
	b.Record(true)
	b.Record(true)
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open before the third success", got)
	}
	b.Record(true)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed after three successes", got)
	}
}

func TestBreaker_HalfOpenFailureReopensWithFreshTimer(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 10 * time.Second})
	b.Record(false)
	clk.Advance(10 * time.Second)
	if !b.AllowAttempt() {
		t.Fatal("probe attempt must be allowed")
	}
	b.Record(false)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}
	clk.Advance(9 * time.Second)
	if b.AllowAttempt() {
		t.Fatal("openedAt must be re-armed by the failed probe")
	}
	clk.Advance(time.Second)
	if !b.AllowAttempt() {
		t.Fatal("attempt must be allowed after the fresh OpenDuration")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})
	b.Record(false)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}
	b.Reset()
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed after Reset", got)
	}
	if !b.AllowAttempt() {
		t.Fatal("attempt must be allowed after Reset")
	}
}

// В HalfOpen проба выдаётся в одни руки: второй конкурентный вызов
// AllowAttempt должен получить отказ, пока исход первой пробы не записан.
func TestBreaker_HalfOpenSingleProbeInFlight(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		FailureThreshold:         1,
		OpenDuration:             time.Second,
		HalfOpenSuccessThreshold: 2,
	})
	b.Record(false)
	clk.Advance(time.Second)

	if !b.AllowAttempt() {
		t.Fatal("first probe must be allowed after OpenDuration")
	}
	if b.AllowAttempt() {
		t.Fatal("second probe must be rejected while the first is in flight")
	}
	b.Record(true)
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open before the second success", got)
	}
	if !b.AllowAttempt() {
		t.Fatal("next probe must be allowed once the outcome is recorded")
	}
	b.Record(false)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}
}

// ReleaseProbe освобождает слот без вердикта: rate-limit ответ не должен
// навечно блокировать half-open гейт.
func TestBreaker_ReleaseProbeFreesSlot(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: time.Second})
	b.Record(false)
	clk.Advance(time.Second)

	if !b.AllowAttempt() {
		t.Fatal("probe must be allowed after OpenDuration")
	}
	if b.AllowAttempt() {
		t.Fatal("slot must be busy while the probe is in flight")
	}
	b.ReleaseProbe()
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open: ReleaseProbe carries no verdict", got)
	}
	if !b.AllowAttempt() {
		t.Fatal("slot must be free after ReleaseProbe")
	}
}
