// internal/stream/heartbeat_test.go
package stream

import (
	"testing"
	"time"
)

func TestMonitor_HealthyWithRegularHeartbeats(t *testing.T) {
	// Heartbeat каждые 10 секунд в течение минуты: соединение живо,
	// тихий фид без сообщений не считается collapse-ом.
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	now := start
	for i := 0; i < 6; i++ {
		now = now.Add(10 * time.Second)
		m.OnHeartbeat(now)
		if v := m.Evaluate(now); v != VerdictHealthy {
			t.Fatalf("t=%v: verdict = %v, want healthy", now.Sub(start), v)
		}
	}
}

func TestMonitor_HeartbeatTimeoutAfterSilence(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	if v := m.Evaluate(start.Add(29 * time.Second)); v != VerdictHealthy {
		t.Fatalf("verdict at 29s = %v, want healthy", v)
	}
	if v := m.Evaluate(start.Add(31 * time.Second)); v != VerdictHeartbeatTimeout {
		t.Fatalf("verdict at 31s = %v, want heartbeat_timeout", v)
	}
}

func TestMonitor_AnyPayloadCountsAsLiveness(t *testing.T) {
	// Транспорт без heartbeat-событий: payload тоже сигнал живости.
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	m.OnMessage(start.Add(25*time.Second), 0)
	if v := m.Evaluate(start.Add(40 * time.Second)); v != VerdictHealthy {
		t.Fatalf("verdict = %v, want healthy: message at 25s renews liveness", v)
	}
	if v := m.Evaluate(start.Add(56 * time.Second)); v != VerdictHeartbeatTimeout {
		t.Fatalf("verdict = %v, want heartbeat_timeout 31s after the last message", v)
	}
}

// pump заполняет корзины равномерным потоком perBucket сообщений в корзину.
func pump(m *Monitor, from time.Time, buckets, perBucket int) time.Time {
	now := from
	for b := 0; b < buckets; b++ {
		for i := 0; i < perBucket; i++ {
			m.OnMessage(now, 0)
			now = now.Add(5 * time.Second / time.Duration(perBucket))
		}
	}
	return now
}

func TestMonitor_RateCollapseDetected(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	// 7 корзин по 20 сообщений, затем почти пустая корзина.
	now := pump(m, start, 7, 20)
	m.OnMessage(now, 0) // одно сообщение в проваленной корзине: < 10% от среднего 20
	now = now.Add(5 * time.Second)

	if v := m.Evaluate(now); v != VerdictRateCollapse {
		t.Fatalf("verdict = %v, want rate_collapse", v)
	}
}

func TestMonitor_NoCollapseBeforeEnoughHistory(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	// Всего 4 корзины истории: оценка collapse-а ещё не включается.
	now := pump(m, start, 4, 20)
	now = now.Add(5 * time.Second) // пустая корзина
	m.OnHeartbeat(now)             // живость не даёт сработать таймауту

	if v := m.Evaluate(now); v != VerdictHealthy {
		t.Fatalf("verdict = %v, want healthy with only 4 buckets of history", v)
	}
}

func TestMonitor_NoCollapseOnQuietFeed(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	// Средняя частота 3 сообщения на корзину — ниже шумового порога:
	// падение до нуля не считается collapse-ом.
	now := pump(m, start, 8, 3)
	now = now.Add(5 * time.Second)
	m.OnHeartbeat(now)

	if v := m.Evaluate(now); v != VerdictHealthy {
		t.Fatalf("verdict = %v, want healthy below the noise floor", v)
	}
}

func TestMonitor_SequenceGapRatioExceeded(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	// 90 сообщений подряд, затем скачок на 11 вперёд: 10 пропусков
	// на ~100 доставленных — доля выше 5%.
	now := start
	seq := uint64(0)
	for i := 0; i < 90; i++ {
		seq++
		m.OnMessage(now, seq)
		now = now.Add(100 * time.Millisecond)
	}
	seq += 11
	m.OnMessage(now, seq)

	if v := m.Evaluate(now.Add(time.Second)); v != VerdictSequenceGap {
		t.Fatalf("verdict = %v, want sequence_gap", v)
	}
}

func TestMonitor_SmallGapsTolerated(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)

	// 1 пропуск на 100 сообщений — в пределах допустимой доли.
	now := start
	seq := uint64(0)
	for i := 0; i < 100; i++ {
		seq++
		if i == 50 {
			seq++ // единичный пропуск
		}
		m.OnMessage(now, seq)
		now = now.Add(100 * time.Millisecond)
	}

	if v := m.Evaluate(now); v != VerdictHealthy {
		t.Fatalf("verdict = %v, want healthy with 1%% gap ratio", v)
	}
}

func TestMonitor_ResetClearsHistory(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Reset(start)
	now := pump(m, start, 7, 20)

	// Новое соединение: старые корзины и sequence не должны влиять.
	m.Reset(now)
	if v := m.Evaluate(now.Add(5 * time.Second)); v != VerdictHealthy {
		t.Fatalf("verdict after Reset = %v, want healthy", v)
	}
}
