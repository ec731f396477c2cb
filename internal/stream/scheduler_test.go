// internal/stream/scheduler_test.go
package stream

import (
	"testing"
	"time"
)

type fixedRand struct{ v float64 }

func (f fixedRand) Float64() float64 { return f.v }

func newTestScheduler(cfg SchedulerConfig, jitterDraw float64) *ReconnectScheduler {
	s := NewReconnectScheduler(cfg)
	s.rnd = fixedRand{v: jitterDraw}
	return s
}

func TestScheduler_FirstDelayWithinJitterBounds(t *testing.T) {
	// С умолчаниями (base=1s, jitter=0.25) первая задержка лежит в [1s, 1.25s].
	for _, draw := range []float64{0, 0.5, 0.999} {
		s := newTestScheduler(SchedulerConfig{}, draw)
		d := s.NextDelay()
		if d < time.Second || d > 1250*time.Millisecond {
			t.Errorf("draw=%.3f: first delay = %v, want within [1s, 1.25s]", draw, d)
		}
	}
}

func TestScheduler_MonotonicUpToCap(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.25,
		MaxAttempts:    100,
	}, 0) // без джиттера виден чистый рост
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := s.NextDelay()
		if d < prev {
			t.Fatalf("attempt %d: delay %v < previous %v, must be non-decreasing", i+1, d, prev)
		}
		if max := time.Duration(float64(60*time.Second) * 1.25); d > max {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", i+1, d, max)
		}
		prev = d
	}
	if prev != 60*time.Second {
		t.Fatalf("delay must saturate at MaxDelay, got %v", prev)
	}
}

func TestScheduler_JitterNeverExceedsFraction(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 100}, 0.999)
	for i := 0; i < 20; i++ {
		d := s.NextDelay()
		if max := time.Duration(float64(60*time.Second) * 1.25); d > max {
			t.Fatalf("attempt %d: delay %v exceeds maxDelay*(1+jitter) = %v", i+1, d, max)
		}
	}
}

func TestScheduler_RateLimitWidensNextDelayOnce(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 100}, 0)
	s.NoteRateLimited()
	if d := s.NextDelay(); d != 2*time.Second {
		t.Fatalf("rate-limited delay = %v, want doubled 2s", d)
	}
	// Флаг одноразовый: следующая задержка снова по расписанию.
	if d := s.NextDelay(); d != 2*time.Second {
		t.Fatalf("second delay = %v, want plain 2s (base*2^1)", d)
	}
}

func TestScheduler_ResetRestartsSchedule(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 5}, 0)
	for i := 0; i < 3; i++ {
		s.NextDelay()
	}
	if s.Attempts() != 3 {
		t.Fatalf("attempts = %d, want 3", s.Attempts())
	}
	s.Reset()
	if s.Attempts() != 0 {
		t.Fatalf("attempts after Reset = %d, want 0", s.Attempts())
	}
	if d := s.NextDelay(); d != time.Second {
		t.Fatalf("delay after Reset = %v, want base 1s", d)
	}
}

func TestScheduler_Exhausted(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 3}, 0)
	for i := 0; i < 2; i++ {
		s.NextDelay()
		if s.Exhausted() {
			t.Fatalf("exhausted after %d attempts, cap is 3", i+1)
		}
	}
	s.NextDelay()
	if !s.Exhausted() {
		t.Fatal("must be exhausted after MaxAttempts")
	}
}
