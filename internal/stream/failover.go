// internal/stream/failover.go
//
// Контроллер failover-а одного логического фида: упорядоченный список
// уровней (основной push -> резервный push -> polling -> кеш), понижение
// при исчерпании уровня и фоновые пробы основного уровня для возврата.
// Контроллер — единственный писатель состояния подписки; читатели получают
// копии через Snapshot/Health.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/telemetry"
	"github.com/YaganovValera/market-stream/internal/transport"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// TierKind — вид источника данных уровня.
type TierKind uint8

const (
	TierPushPrimary TierKind = iota
	TierPushBackup
	TierPoll
	TierCache
)

func (k TierKind) String() string {
	switch k {
	case TierPushPrimary:
		return "push_primary"
	case TierPushBackup:
		return "push_backup"
	case TierPoll:
		return "poll"
	case TierCache:
		return "cache"
	default:
		return "unknown"
	}
}

// MarshalText отдаёт строковое имя в JSON health-среза.
func (k TierKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// TierSpec — дескриптор одного уровня. Состав и число уровней — вопрос
// конфигурации, архитектура не фиксирует ровно четыре.
type TierSpec struct {
	Kind TierKind
	Name string

	// Adapter обязателен для push-уровней, Poller — для poll-уровня.
	Adapter transport.Adapter
	Poller  transport.Poller

	// PollInterval — базовый интервал опроса; rate-limit ответы удваивают
	// его до PollMaxInterval, успех возвращает к базовому.
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollTimeout     time.Duration

	// MaxSnapshotAge — жёсткий потолок возраста данных для кеш-уровня:
	// старше него торговля принудительно запрещается.
	MaxSnapshotAge time.Duration

	Scheduler SchedulerConfig
	Breaker   BreakerConfig
}

func (t *TierSpec) applyDefaults() {
	if t.Name == "" {
		t.Name = t.Kind.String()
	}
	if t.PollInterval <= 0 {
		t.PollInterval = 5 * time.Second
	}
	if t.PollMaxInterval <= 0 {
		t.PollMaxInterval = 60 * time.Second
	}
	if t.PollTimeout <= 0 {
		t.PollTimeout = 10 * time.Second
	}
	if t.MaxSnapshotAge <= 0 {
		t.MaxSnapshotAge = criticalAfter
	}
	t.Scheduler.applyDefaults()
	t.Breaker.applyDefaults()
}

// ControllerConfig — полный конфиг одного фида.
type ControllerConfig struct {
	FeedID     string
	Tiers      []TierSpec
	Supervisor SupervisorConfig

	// ValidationWindow — сколько проба уровня 0 должна оставаться
	// heartbeat-здоровой до возврата фида на основной источник.
	ValidationWindow time.Duration
	// ProbeInterval — период фоновых проб уровня 0 с резервных уровней.
	ProbeInterval time.Duration
}

func (c *ControllerConfig) applyDefaults() {
	if c.ValidationWindow <= 0 {
		c.ValidationWindow = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	c.Supervisor.applyDefaults()
	for i := range c.Tiers {
		c.Tiers[i].applyDefaults()
	}
}

func (c *ControllerConfig) validate() error {
	if c.FeedID == "" {
		return fmt.Errorf("feed id is required")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("feed %q: at least one tier is required", c.FeedID)
	}
	for i, t := range c.Tiers {
		switch t.Kind {
		case TierPushPrimary, TierPushBackup:
			if t.Adapter == nil {
				return fmt.Errorf("feed %q: tier %d (%s) requires an adapter", c.FeedID, i, t.Kind)
			}
		case TierPoll:
			if t.Poller == nil {
				return fmt.Errorf("feed %q: tier %d (poll) requires a poller", c.FeedID, i)
			}
		case TierCache:
			if i != len(c.Tiers)-1 {
				return fmt.Errorf("feed %q: cache tier must be last", c.FeedID)
			}
		}
	}
	return nil
}

// Controller владеет подпиской одного фида от создания до отмены.
type Controller struct {
	cfg   ControllerConfig
	log   *logger.Logger
	sink  telemetry.Sink
	store SnapshotStore

	// breakers живут весь срок подписки: гейт пониженного уровня
	// продолжает охранять фоновые пробы.
	breakers []*CircuitBreaker

	mu               sync.RWMutex
	gen              uint64
	snap             DataSnapshot
	hasSnap          bool
	health           Health
	exhaustedEmitted bool

	onData   func(DataSnapshot)
	onHealth func(Health)

	force chan struct{}
	now   func() time.Time
}

// NewController валидирует конфиг и собирает контроллер. store может быть
// nil (кеш-уровень тогда работает только по снапшоту в памяти), колбэки
// тоже опциональны.
func NewController(
	cfg ControllerConfig,
	store SnapshotStore,
	sink telemetry.Sink,
	log *logger.Logger,
	onData func(DataSnapshot),
	onHealth func(Health),
) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("stream controller: %w", err)
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	breakers := make([]*CircuitBreaker, len(cfg.Tiers))
	for i := range cfg.Tiers {
		breakers[i] = NewCircuitBreaker(cfg.Tiers[i].Breaker)
	}
	return &Controller{
		cfg:      cfg,
		log:      log.With(zap.String("feed", cfg.FeedID)),
		sink:     sink,
		store:    store,
		breakers: breakers,
		health:   Health{FeedID: cfg.FeedID, State: StateDisconnected},
		onData:   onData,
		onHealth: onHealth,
		force:    make(chan struct{}, 1),
		now:      time.Now,
	}, nil
}

// Run — единственная горутина, мутирующая состояние подписки.
// Возвращает только ctx.Err(): любое падение уровня деградирует
// в следующий, а не наружу.
func (c *Controller) Run(ctx context.Context) error {
	idx := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		spec := &c.cfg.Tiers[idx]
		metrics.ActiveTier.WithLabelValues(c.cfg.FeedID).Set(float64(idx))

		var err error
		switch spec.Kind {
		case TierPushPrimary, TierPushBackup:
			err = c.runPush(ctx, idx)
		case TierPoll:
			err = c.runPoll(ctx, idx)
		case TierCache:
			err = c.runCache(ctx, idx)
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case errors.Is(err, errForced):
			c.log.Info("reconnect forced, returning to primary tier")
			idx = 0

		case errors.Is(err, errPromoted):
			c.promoteTo0(idx)
			idx = 0

		case errors.Is(err, ErrTierExhausted):
			next := idx + 1
			if next >= len(c.cfg.Tiers) {
				// Уровней больше нет: деградируем на последний снапшот
				// и ждём, пока проба уровня 0 не вернёт фид к жизни.
				err = c.runDegraded(ctx, idx, c.cfg.Tiers[idx].MaxSnapshotAge)
				switch {
				case ctx.Err() != nil:
					return ctx.Err()
				case errors.Is(err, errPromoted):
					c.promoteTo0(idx)
					idx = 0
				case errors.Is(err, errForced):
					idx = 0
				}
				continue
			}
			c.log.Warn("tier exhausted, demoting",
				zap.String("from", spec.Name),
				zap.String("to", c.cfg.Tiers[next].Name))
			c.emitTier(telemetry.EventTierDemoted, idx, next)
			metrics.TierChanges.WithLabelValues(c.cfg.FeedID, "demote").Inc()
			c.breakers[next].Reset()
			idx = next

		default:
			// Не должно достигаться: уровни возвращают только известные
			// сигналы. Останавливаемся, чтобы не зациклиться вслепую.
			return err
		}
	}
}

func (c *Controller) promoteTo0(from int) {
	c.log.Info("primary tier validated, promoting",
		zap.String("from", c.cfg.Tiers[from].Name))
	c.emitTier(telemetry.EventTierPromoted, from, 0)
	metrics.TierChanges.WithLabelValues(c.cfg.FeedID, "promote").Inc()
	c.breakers[0].Reset()
	c.mu.Lock()
	c.exhaustedEmitted = false
	c.mu.Unlock()
}

// ----- push-уровень ---------------------------------------------------------

func (c *Controller) runPush(ctx context.Context, idx int) error {
	spec := &c.cfg.Tiers[idx]
	gen := c.nextGen()
	sched := NewReconnectScheduler(spec.Scheduler)
	sup := NewSupervisor(
		c.cfg.Supervisor, c.cfg.FeedID, idx, spec.Name,
		spec.Adapter, c.breakers[idx], sched,
		func(snap DataSnapshot) { c.publish(gen, snap) },
		func(st ConnectionState, failures int) {
			c.setHealth(gen, st, idx, spec.Kind, failures, false)
		},
		c.sink, c.log,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	// С резервного push-уровня параллельно пробуем уровень 0.
	var promoted chan struct{}
	if idx > 0 {
		promoted = make(chan struct{}, 1)
		go c.probeLoop(runCtx, promoted)
	}

	select {
	case err := <-done:
		return err
	case <-promoted:
		cancel()
		<-done
		return errPromoted
	case <-c.force:
		cancel()
		<-done
		c.breakers[0].Reset()
		return errForced
	}
}

// ----- poll-уровень ---------------------------------------------------------

func (c *Controller) runPoll(ctx context.Context, idx int) error {
	spec := &c.cfg.Tiers[idx]
	gen := c.nextGen()
	sched := NewReconnectScheduler(spec.Scheduler)
	br := c.breakers[idx]
	interval := spec.PollInterval

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	promoted := make(chan struct{}, 1)
	go c.probeLoop(probeCtx, promoted)

	c.setHealth(gen, StateConnecting, idx, spec.Kind, 0, false)

	timer := time.NewTimer(0) // первый fetch сразу
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-promoted:
			return errPromoted
		case <-c.force:
			c.breakers[0].Reset()
			return errForced
		case <-timer.C:
		}

		if !br.AllowAttempt() {
			return ErrTierExhausted
		}

		fctx, cancel := context.WithTimeout(ctx, spec.PollTimeout)
		payload, err := spec.Poller.Fetch(fctx)
		cancel()
		now := c.now()

		switch {
		case err == nil:
			c.recordBreaker(idx, true)
			sched.Reset()
			interval = spec.PollInterval // успех возвращает базовый интервал
			c.publish(gen, DataSnapshot{FeedID: c.cfg.FeedID, Payload: payload, ReceivedAt: now})
			c.setHealth(gen, StateConnected, idx, spec.Kind, 0, false)
			timer.Reset(interval)

		case transport.IsRateLimit(err):
			// Источник просит сбавить темп: это не его нездоровье,
			// в breaker и в лимит попыток не засчитывается. Слот
			// half-open пробы при этом освобождаем.
			br.ReleaseProbe()
			interval *= 2
			if interval > spec.PollMaxInterval {
				interval = spec.PollMaxInterval
			}
			c.emitPoll(telemetry.EventServerError, map[string]string{
				"code":        "rate_limited",
				"interval_ms": strconv.FormatInt(interval.Milliseconds(), 10),
			}, idx)
			c.log.Warn("poll rate limited, widening interval", zap.Duration("interval", interval))
			timer.Reset(interval)

		default:
			c.recordBreaker(idx, false)
			if br.State() == BreakerOpen {
				return ErrTierExhausted
			}
			delay := sched.NextDelay()
			if sched.Exhausted() {
				return ErrTierExhausted
			}
			c.setHealth(gen, StateReconnecting, idx, spec.Kind, sched.Attempts(), false)
			c.emitPoll(telemetry.EventReconnectScheduled, map[string]string{
				"cause":    errCause(err),
				"attempt":  strconv.Itoa(sched.Attempts()),
				"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
			}, idx)
			metrics.Reconnects.WithLabelValues(c.cfg.FeedID, errCause(err)).Inc()
			c.log.Warn("poll failed", zap.Error(err), zap.Duration("retry_in", delay))
			timer.Reset(delay)
		}
	}
}

// ----- кеш-уровень и полная деградация -------------------------------------

func (c *Controller) runCache(ctx context.Context, idx int) error {
	spec := &c.cfg.Tiers[idx]
	// В памяти пусто после рестарта процесса: поднимаем последний
	// сохранённый снапшот из внешнего хранилища.
	if c.store != nil && !c.hasSnapshot() {
		if snap, err := c.store.Load(ctx, c.cfg.FeedID); err == nil {
			c.mu.Lock()
			c.snap = snap
			c.hasSnap = true
			c.mu.Unlock()
			c.log.Info("cache snapshot restored", zap.Time("received_at", snap.ReceivedAt))
		} else if !errors.Is(err, ErrNoSnapshot) {
			c.log.Warn("cache snapshot load failed", zap.Error(err))
		}
	}
	return c.runDegraded(ctx, idx, spec.MaxSnapshotAge)
}

// runDegraded — фид без живого источника: отдаём последний снапшот,
// периодически пробуем уровень 0. Возраст старше maxAge принудительно
// запрещает торговлю и единожды публикует all_tiers_exhausted.
func (c *Controller) runDegraded(ctx context.Context, idx int, maxAge time.Duration) error {
	gen := c.nextGen()
	kind := c.cfg.Tiers[idx].Kind

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	promoted := make(chan struct{}, 1)
	go c.probeLoop(probeCtx, promoted)

	tick := time.NewTicker(c.cfg.Supervisor.TickInterval)
	defer tick.Stop()

	evaluate := func() {
		c.mu.RLock()
		has, at := c.hasSnap, c.snap.ReceivedAt
		c.mu.RUnlock()
		expired := !has || c.now().Sub(at) > maxAge
		if expired {
			c.setHealth(gen, StateFailed, idx, kind, 0, true)
			c.emitExhaustedOnce(idx, has, at)
			return
		}
		c.setHealth(gen, StateReconnecting, idx, kind, 0, false)
	}
	evaluate()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-promoted:
			return errPromoted
		case <-c.force:
			c.breakers[0].Reset()
			return errForced
		case <-tick.C:
			evaluate()
		}
	}
}

func (c *Controller) emitExhaustedOnce(idx int, has bool, at time.Time) {
	c.mu.Lock()
	if c.exhaustedEmitted {
		c.mu.Unlock()
		return
	}
	c.exhaustedEmitted = true
	c.mu.Unlock()

	attrs := map[string]string{"tier_index": strconv.Itoa(idx)}
	if has {
		attrs["snapshot_age_ms"] = strconv.FormatInt(c.now().Sub(at).Milliseconds(), 10)
	} else {
		attrs["snapshot_age_ms"] = "none"
	}
	c.sink.Emit(telemetry.NewEvent(c.cfg.FeedID, telemetry.EventAllTiersExhausted, attrs))
	c.log.Error("all tiers exhausted, trading disabled")
}

// ----- фоновые пробы уровня 0 ----------------------------------------------

func (c *Controller) probeLoop(ctx context.Context, promoted chan<- struct{}) {
	t := time.NewTicker(c.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if c.probePrimary(ctx) {
			select {
			case promoted <- struct{}{}:
			default:
			}
			return
		}
	}
}

// probePrimary подключается к уровню 0 и держит соединение всё окно
// валидации. Проба успешна, если за окно не было провалов живости,
// пришёл хотя бы один сигнал и её свежесть не хуже активного уровня.
// Старый уровень при этом продолжает работать: cutover происходит
// только после валидации, чтобы фид не мотало туда-обратно.
func (c *Controller) probePrimary(ctx context.Context) bool {
	spec := &c.cfg.Tiers[0]
	if spec.Adapter == nil {
		// Единственный уровень — poll: возвращаться некуда.
		return false
	}
	if !c.breakers[0].AllowAttempt() {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Supervisor.ConnectTimeout)
	st, err := spec.Adapter.Connect(cctx)
	cancel()
	if err != nil {
		c.recordBreaker(0, false)
		return false
	}
	defer func() { _ = st.Close() }()
	c.recordBreaker(0, true)
	c.log.Debug("primary probe connected, validating")

	mon := NewMonitor(c.cfg.Supervisor.Monitor)
	mon.Reset(c.now())

	window := time.NewTimer(c.cfg.ValidationWindow)
	defer window.Stop()
	tick := time.NewTicker(c.cfg.Supervisor.TickInterval)
	defer tick.Stop()

	saw := false
	for {
		select {
		case <-ctx.Done():
			return false
		case <-window.C:
			return saw && c.probeFresher(mon.LastSignal())
		case ev, ok := <-st.Events():
			if !ok {
				return false
			}
			switch ev.Type {
			case transport.EventHeartbeat:
				mon.OnHeartbeat(c.now())
				saw = true
			case transport.EventData:
				mon.OnMessage(c.now(), ev.Seq)
				saw = true
			case transport.EventError:
				// Ошибка сервера в окне валидации — проба не прошла.
				return false
			}
		case <-tick.C:
			if mon.Evaluate(c.now()) != VerdictHealthy {
				return false
			}
		}
	}
}

// probeFresher сравнивает свежесть пробы с активным уровнем.
func (c *Controller) probeFresher(probeLast time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasSnap {
		return true
	}
	return !probeLast.Before(c.snap.ReceivedAt) || c.now().Sub(probeLast) < delayedAfter
}

// ----- состояние подписки ---------------------------------------------------

// nextGen инвалидирует колбэки предыдущей активации уровня: запоздавший
// publish/setState со старым поколением отбрасывается.
func (c *Controller) nextGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

func (c *Controller) publish(gen uint64, snap DataSnapshot) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.snap = snap
	c.hasSnap = true
	c.health.LastMessageAt = snap.ReceivedAt
	c.exhaustedEmitted = false // живые данные закрывают эпизод деградации
	cb := c.onData
	c.mu.Unlock()

	if cb != nil {
		cb(snap.clone())
	}
	if c.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.store.Save(sctx, snap); err != nil {
			c.log.Warn("snapshot save failed", zap.Error(err))
		}
		cancel()
	}
}

func (c *Controller) setHealth(gen uint64, st ConnectionState, tierIdx int, kind TierKind, failures int, forced bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	h := c.health
	h.FeedID = c.cfg.FeedID
	h.State = st
	h.TierIndex = tierIdx
	h.TierKind = kind
	h.ConsecutiveFailures = failures
	h.ForcedDisabled = forced
	changed := h != c.health
	c.health = h
	cb := c.onHealth
	c.mu.Unlock()

	if changed && cb != nil {
		cb(h)
	}
}

func (c *Controller) hasSnapshot() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasSnap
}

// Snapshot возвращает копию последнего снапшота и свежий вердикт.
// Вердикт не кешируется: возраст растёт и без новых событий.
func (c *Controller) Snapshot() (DataSnapshot, StalenessVerdict, error) {
	c.mu.RLock()
	has, snap, forced := c.hasSnap, c.snap, c.health.ForcedDisabled
	c.mu.RUnlock()

	if !has {
		return DataSnapshot{}, StalenessVerdict{Tier: TierCritical, Mode: TradingDisabled}, ErrNoSnapshot
	}
	v := Classify(c.now().Sub(snap.ReceivedAt))
	if forced {
		v.Mode = TradingDisabled
	}
	return snap.clone(), v, nil
}

// Health возвращает копию health-среза.
func (c *Controller) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// ForceReconnect — операторский рычаг: сбросить breaker и backoff уровня 0
// и немедленно вернуться на него. Неблокирующий и идемпотентный.
func (c *Controller) ForceReconnect() {
	select {
	case c.force <- struct{}{}:
	default:
	}
}

// recordBreaker — как у супервизора, но для poll-цикла и проб.
func (c *Controller) recordBreaker(idx int, success bool) {
	name := c.cfg.Tiers[idx].Name
	before := c.breakers[idx].State()
	after := c.breakers[idx].Record(success)
	metrics.BreakerState.WithLabelValues(c.cfg.FeedID, name).Set(float64(after))
	if before == after {
		return
	}
	switch after {
	case BreakerOpen:
		c.sink.Emit(telemetry.NewEvent(c.cfg.FeedID, telemetry.EventCircuitOpened,
			map[string]string{"tier": name}))
		c.log.Warn("circuit opened", zap.String("tier", name))
	case BreakerClosed:
		c.sink.Emit(telemetry.NewEvent(c.cfg.FeedID, telemetry.EventCircuitClosed,
			map[string]string{"tier": name}))
		c.log.Info("circuit closed", zap.String("tier", name))
	}
}

func (c *Controller) emitTier(event string, from, to int) {
	c.sink.Emit(telemetry.NewEvent(c.cfg.FeedID, event, map[string]string{
		"from":      c.cfg.Tiers[from].Name,
		"to":        c.cfg.Tiers[to].Name,
		"from_tier": strconv.Itoa(from),
		"to_tier":   strconv.Itoa(to),
	}))
}

func (c *Controller) emitPoll(event string, attrs map[string]string, idx int) {
	attrs["tier"] = c.cfg.Tiers[idx].Name
	attrs["tier_index"] = strconv.Itoa(idx)
	c.sink.Emit(telemetry.NewEvent(c.cfg.FeedID, event, attrs))
}
