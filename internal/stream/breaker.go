// internal/stream/breaker.go
//
// Трёхпозиционный circuit breaker: Closed -> Open -> HalfOpen -> Closed.
// Останавливает долбёжку заведомо нездорового источника данных.
// Чистая логика без таймеров: время впрыскивается снаружи, поэтому
// переходы детерминированно тестируются.
package stream

import (
	"sync"
	"time"
)

// BreakerState — состояние гейта.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig задаёт пороги переходов.
type BreakerConfig struct {
	FailureThreshold         int           `mapstructure:"failure_threshold"`
	OpenDuration             time.Duration `mapstructure:"open_duration"`
	HalfOpenSuccessThreshold int           `mapstructure:"half_open_success_threshold"`
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 3
	}
}

// CircuitBreaker используется на пару (подписка, уровень). Методы
// безопасны для конкурентного вызова: активный цикл и фоновый probe-таймер
// дергают один и тот же breaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        BreakerState
	failureCount int
	successCount int
	openedAt     time.Time
	// probeInFlight: в HalfOpen разрешена ровно одна проба за раз.
	// Активный цикл и фоновый probe-таймер не должны пролезть вдвоём.
	probeInFlight bool

	now func() time.Time // подменяется в тестах
}

// NewCircuitBreaker создаёт breaker в состоянии Closed.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// AllowAttempt сообщает, можно ли делать попытку подключения.
// В Open возвращает false, пока не истёк OpenDuration; после истечения
// переводит breaker в HalfOpen и разрешает пробную попытку. В HalfOpen
// проба выдаётся в одни руки: следующий AllowAttempt получает false,
// пока исход текущей пробы не зафиксирован через Record.
func (b *CircuitBreaker) AllowAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.state = BreakerHalfOpen
			b.successCount = 0
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

// Record фиксирует исход попытки. Возвращает состояние после перехода,
// чтобы вызывающий мог отразить его в телеметрии и метриках.
func (b *CircuitBreaker) Record(success bool) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	switch b.state {
	case BreakerClosed:
		if success {
			b.failureCount = 0
			return b.state
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		if success {
			b.successCount++
			if b.successCount >= b.cfg.HalfOpenSuccessThreshold {
				b.state = BreakerClosed
				b.failureCount = 0
				b.successCount = 0
			}
			return b.state
		}
		// Одиночный провал пробы возвращает в Open с новым отсчётом.
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.successCount = 0
	case BreakerOpen:
		// Record в Open возможен от запоздавшей попытки: успех не
		// закрывает гейт в обход HalfOpen, провал просто продлевается.
		if !success {
			b.openedAt = b.now()
		}
	}
	return b.state
}

// ReleaseProbe снимает in-flight пометку без вердикта. Нужен, когда
// попытка завершилась rate-limit ответом: это не успех и не провал,
// но слот пробы должен освободиться.
func (b *CircuitBreaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// State возвращает текущее состояние без побочных переходов.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset принудительно закрывает гейт. Используется из forceReconnect
// и при переходе подписки на другой уровень.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.openedAt = time.Time{}
	b.probeInFlight = false
}
