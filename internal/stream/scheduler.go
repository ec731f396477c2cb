// internal/stream/scheduler.go
//
// Планировщик реконнектов: ограниченная экспоненциальная задержка
// с джиттером и жёсткий лимит попыток на уровень. Рост интервала
// считает cenkalti/backoff, джиттер добавляется только в плюс, чтобы
// фактическая частота попыток никогда не превышала расчётную.
package stream

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SchedulerConfig задаёт параметры backoff-а для одного уровня.
type SchedulerConfig struct {
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
	// MaxAttempts — предел попыток до признания уровня исчерпанным.
	// У основного push-уровня лимит выше, у резервных ниже.
	MaxAttempts int `mapstructure:"max_attempts"`
}

func (c *SchedulerConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.JitterFraction <= 0 || c.JitterFraction > 1 {
		c.JitterFraction = 0.25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// ReconnectScheduler не потокобезопасен: им владеет единственная
// горутина супервизора соединения.
type ReconnectScheduler struct {
	cfg      SchedulerConfig
	bo       *backoff.ExponentialBackOff
	attempts int

	// rateLimited взводится при 429/rate-limit ответе и расширяет
	// следующую задержку сверх обычного backoff-а.
	rateLimited bool

	rnd interface{ Float64() float64 }
}

var rngMu sync.Mutex

// lockedRand — math/rand.Rand не потокобезопасен; планировщиков много.
type lockedRand struct{ r *rand.Rand }

func (l lockedRand) Float64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return l.r.Float64()
}

// NewReconnectScheduler создаёт планировщик со сброшенным счётчиком попыток.
func NewReconnectScheduler(cfg SchedulerConfig) *ReconnectScheduler {
	cfg.applyDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // джиттер добавляем сами, только в плюс
	bo.MaxElapsedTime = 0      // лимитируем числом попыток, не временем
	bo.Reset()
	return &ReconnectScheduler{
		cfg: cfg,
		bo:  bo,
		rnd: lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))},
	}
}

// NextDelay фиксирует неудачную попытку и возвращает задержку перед
// следующей: min(base * 2^attempt, max) + uniform[0, jitter*delay).
// После rate-limit ответа база задержки дополнительно удваивается.
func (s *ReconnectScheduler) NextDelay() time.Duration {
	s.attempts++
	d := s.bo.NextBackOff()
	if s.rateLimited {
		s.rateLimited = false
		d *= 2
		if d > s.cfg.MaxDelay {
			d = s.cfg.MaxDelay
		}
	}
	jitter := time.Duration(s.rnd.Float64() * s.cfg.JitterFraction * float64(d))
	return d + jitter
}

// NoteRateLimited помечает, что источник ответил rate-limit-ом:
// следующая задержка будет шире обычной.
func (s *ReconnectScheduler) NoteRateLimited() { s.rateLimited = true }

// Exhausted сообщает, что лимит попыток уровня исчерпан.
func (s *ReconnectScheduler) Exhausted() bool { return s.attempts >= s.cfg.MaxAttempts }

// Attempts возвращает число неудачных попыток с последнего сброса.
func (s *ReconnectScheduler) Attempts() int { return s.attempts }

// Reset обнуляет счётчик. Вызывается только после подтверждённого
// heartbeat-ом подключения: голое открытие транспорта успехом не считается,
// иначе соединение, которое сразу замолкает, обнуляло бы backoff.
func (s *ReconnectScheduler) Reset() {
	s.attempts = 0
	s.rateLimited = false
	s.bo.Reset()
}
