// internal/stream/supervisor.go
//
// Супервизор одного push-соединения: владеет машиной состояний
// Disconnected -> Connecting -> Connected -> Reconnecting -> Failed,
// композируя монитор живости, планировщик реконнектов и circuit breaker.
// Все переходы для одной подписки строго последовательны: их выполняет
// единственная горутина Run.
package stream

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/telemetry"
	"github.com/YaganovValera/market-stream/internal/transport"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// SupervisorConfig — параметры, общие для всех уровней.
type SupervisorConfig struct {
	// ConnectTimeout ограничивает установку соединения; таймаут
	// неотличим от транспортной ошибки.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// TickInterval — период оценки живости.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Monitor      MonitorConfig `mapstructure:"monitor"`
}

func (c *SupervisorConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	c.Monitor.applyDefaults()
}

// Supervisor связывает адаптер транспорта с чистыми помощниками решений.
// Создаётся контроллером failover-а на каждую активацию уровня; breaker
// живёт дольше (на весь срок подписки), планировщик — только на активацию.
type Supervisor struct {
	cfg      SupervisorConfig
	feedID   string
	tierIdx  int
	tierName string

	adapter transport.Adapter
	breaker *CircuitBreaker
	sched   *ReconnectScheduler
	mon     *Monitor

	// publish отдаёт снапшот владельцу подписки; владелец проверяет
	// generation и отбрасывает запоздавшие публикации.
	publish  func(DataSnapshot)
	setState func(state ConnectionState, failures int)

	sink telemetry.Sink
	log  *logger.Logger
	now  func() time.Time
}

// NewSupervisor собирает супервизор для одного уровня одного фида.
func NewSupervisor(
	cfg SupervisorConfig,
	feedID string,
	tierIdx int,
	tierName string,
	adapter transport.Adapter,
	breaker *CircuitBreaker,
	sched *ReconnectScheduler,
	publish func(DataSnapshot),
	setState func(ConnectionState, int),
	sink telemetry.Sink,
	log *logger.Logger,
) *Supervisor {
	cfg.applyDefaults()
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Supervisor{
		cfg:      cfg,
		feedID:   feedID,
		tierIdx:  tierIdx,
		tierName: tierName,
		adapter:  adapter,
		breaker:  breaker,
		sched:    sched,
		mon:      NewMonitor(cfg.Monitor),
		publish:  publish,
		setState: setState,
		sink:     sink,
		log:      log.With(zap.String("feed", feedID), zap.String("tier", tierName)),
		now:      time.Now,
	}
}

// Run гоняет цикл подключений, пока уровень не исчерпан или контекст
// не отменён. Возвращает ErrTierExhausted либо ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected, s.sched.Attempts())
			return err
		}
		if !s.breaker.AllowAttempt() {
			s.setState(StateFailed, s.sched.Attempts())
			return ErrTierExhausted
		}

		s.setState(StateConnecting, s.sched.Attempts())
		st, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected, s.sched.Attempts())
				return ctx.Err()
			}
			metrics.ConnectAttempts.WithLabelValues(s.feedID, s.tierName, "error").Inc()
			s.recordBreaker(false)
			if transport.IsRateLimit(err) {
				s.sched.NoteRateLimited()
			}
			s.log.Warn("connect failed", zap.Error(err))
			if berr := s.backoffOrExhaust(ctx, errCause(err)); berr != nil {
				return berr
			}
			continue
		}

		metrics.ConnectAttempts.WithLabelValues(s.feedID, s.tierName, "ok").Inc()
		s.recordBreaker(true)
		s.mon.Reset(s.now())
		s.setState(StateConnected, s.sched.Attempts())
		s.emit(telemetry.EventConnectionOpened, nil)
		s.log.Info("connection opened")

		cause := s.consume(ctx, st)
		_ = st.Close()
		if ctx.Err() != nil {
			s.setState(StateDisconnected, s.sched.Attempts())
			return ctx.Err()
		}

		s.emit(telemetry.EventConnectionClosed, map[string]string{"cause": errCause(cause)})
		s.log.Warn("connection lost", zap.Error(cause))

		// Провалы живости в breaker не пишутся: цель приняла соединение,
		// её здоровье оценивает лимит попыток, а не гейт.
		if !isLiveness(cause) {
			s.recordBreaker(false)
		}
		if transport.IsRateLimit(cause) {
			s.sched.NoteRateLimited()
		}
		if berr := s.backoffOrExhaust(ctx, errCause(cause)); berr != nil {
			return berr
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (transport.Stream, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	st, err := s.adapter.Connect(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, transport.ErrTimeout
	}
	return st, err
}

// consume читает события потока до разрыва либо провала живости.
func (s *Supervisor) consume(ctx context.Context, st transport.Stream) error {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	confirmed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-st.Events():
			if !ok {
				if err := st.Err(); err != nil {
					return err
				}
				return transport.ErrClosed
			}
			switch ev.Type {
			case transport.EventConnected:
				s.log.Debug("session established", zap.String("session_id", ev.SessionID))
			case transport.EventHeartbeat:
				s.mon.OnHeartbeat(s.now())
				s.confirm(&confirmed)
			case transport.EventData:
				now := s.now()
				s.mon.OnMessage(now, ev.Seq)
				s.confirm(&confirmed)
				metrics.EventsTotal.WithLabelValues(s.feedID).Inc()
				s.publish(DataSnapshot{
					FeedID:     s.feedID,
					Payload:    ev.Payload,
					Seq:        ev.Seq,
					ReceivedAt: now,
				})
			case transport.EventError:
				if transport.IsRateLimitCode(ev.Code) {
					s.sched.NoteRateLimited()
				}
				s.emit(telemetry.EventServerError, map[string]string{"code": ev.Code})
				s.log.Warn("server error event", zap.String("code", ev.Code))
			}

		case <-tick.C:
			switch s.mon.Evaluate(s.now()) {
			case VerdictHeartbeatTimeout:
				s.emit(telemetry.EventHeartbeatTimeout, nil)
				return ErrHeartbeatTimeout
			case VerdictRateCollapse:
				s.emit(telemetry.EventRateCollapse, nil)
				return ErrRateCollapse
			case VerdictSequenceGap:
				s.emit(telemetry.EventRateCollapse, map[string]string{"cause": "sequence_gap"})
				return ErrSequenceGap
			}
		}
	}
}

// confirm сбрасывает backoff после первого сигнала живости: подключение
// считается успешным не по открытию транспорта, а по факту данных.
func (s *Supervisor) confirm(done *bool) {
	if *done {
		return
	}
	*done = true
	s.sched.Reset()
}

// backoffOrExhaust планирует следующую попытку либо признаёт уровень
// исчерпанным. Ненулевой результат завершает Run.
func (s *Supervisor) backoffOrExhaust(ctx context.Context, cause string) error {
	if s.breaker.State() == BreakerOpen {
		s.setState(StateFailed, s.sched.Attempts())
		return ErrTierExhausted
	}
	delay := s.sched.NextDelay()
	if s.sched.Exhausted() {
		s.setState(StateFailed, s.sched.Attempts())
		return ErrTierExhausted
	}

	s.setState(StateReconnecting, s.sched.Attempts())
	s.emit(telemetry.EventReconnectScheduled, map[string]string{
		"cause":    cause,
		"attempt":  strconv.Itoa(s.sched.Attempts()),
		"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
	})
	metrics.Reconnects.WithLabelValues(s.feedID, cause).Inc()
	s.log.Info("reconnect scheduled",
		zap.String("cause", cause),
		zap.Int("attempt", s.sched.Attempts()),
		zap.Duration("delay", delay))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.setState(StateDisconnected, s.sched.Attempts())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// recordBreaker пишет исход в breaker и отражает переходы гейта
// в телеметрии и метриках.
func (s *Supervisor) recordBreaker(success bool) {
	before := s.breaker.State()
	after := s.breaker.Record(success)
	metrics.BreakerState.WithLabelValues(s.feedID, s.tierName).Set(float64(after))
	if before == after {
		return
	}
	switch after {
	case BreakerOpen:
		s.emit(telemetry.EventCircuitOpened, nil)
		s.log.Warn("circuit opened")
	case BreakerClosed:
		s.emit(telemetry.EventCircuitClosed, nil)
		s.log.Info("circuit closed")
	}
}

func (s *Supervisor) emit(event string, attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["tier"] = s.tierName
	attrs["tier_index"] = strconv.Itoa(s.tierIdx)
	s.sink.Emit(telemetry.NewEvent(s.feedID, event, attrs))
}

// isLiveness отличает провалы живости открытого соединения от ошибок
// самой цели подключения.
func isLiveness(err error) bool {
	return errors.Is(err, ErrHeartbeatTimeout) ||
		errors.Is(err, ErrRateCollapse) ||
		errors.Is(err, ErrSequenceGap)
}

// errCause нормализует ошибку в стабильную метку для телеметрии и метрик.
func errCause(err error) string {
	var srvErr *transport.ServerError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrRateCollapse):
		return "rate_collapse"
	case errors.Is(err, ErrSequenceGap):
		return "sequence_gap"
	case transport.IsRateLimit(err):
		return "rate_limited"
	case transport.IsTimeout(err):
		return "timeout"
	case errors.Is(err, transport.ErrClosed):
		return "transport_closed"
	case errors.As(err, &srvErr):
		return "server_error"
	default:
		return "transport_error"
	}
}
