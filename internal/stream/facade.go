// internal/stream/facade.go
//
// Публичная точка входа потокового ядра. Держит по контроллеру на каждый
// логический фид; никаких процессных синглтонов — фасад создаётся явно
// и передаётся потребителям по ссылке.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/telemetry"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// Facade управляет подписками логических фидов ("positions", "prices").
type Facade struct {
	log   *logger.Logger
	sink  telemetry.Sink
	store SnapshotStore

	mu    sync.Mutex
	feeds map[string]*feedHandle
}

type feedHandle struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewFacade создаёт фасад. store и sink опциональны.
func NewFacade(store SnapshotStore, sink telemetry.Sink, log *logger.Logger) *Facade {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Facade{
		log:   log.Named("facade"),
		sink:  sink,
		store: store,
		feeds: make(map[string]*feedHandle),
	}
}

// Subscribe запускает подписку фида и возвращает идемпотентный handle
// отмены. Отмена синхронна: после возврата из unsubscribe запоздавшие
// колбэки старой подписки уже не применяются, и фид можно подписать
// заново под тем же id.
func (f *Facade) Subscribe(
	ctx context.Context,
	cfg ControllerConfig,
	onData func(DataSnapshot),
	onHealth func(Health),
) (unsubscribe func(), err error) {
	ctrl, err := NewController(cfg, f.store, f.sink, f.log, onData, onHealth)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if old, ok := f.feeds[cfg.FeedID]; ok {
		f.mu.Unlock()
		old.stop()
		f.mu.Lock()
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &feedHandle{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}
	f.feeds[cfg.FeedID] = h
	f.mu.Unlock()

	go func() {
		defer close(h.done)
		if err := ctrl.Run(runCtx); err != nil && runCtx.Err() == nil {
			f.log.Error("feed controller stopped", zap.String("feed", cfg.FeedID), zap.Error(err))
		}
	}()

	f.log.Info("feed subscribed", zap.String("feed", cfg.FeedID), zap.Int("tiers", len(cfg.Tiers)))
	return func() {
		h.stop()
		f.mu.Lock()
		if f.feeds[cfg.FeedID] == h {
			delete(f.feeds, cfg.FeedID)
		}
		f.mu.Unlock()
	}, nil
}

func (h *feedHandle) stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}

// Snapshot возвращает последний снапшот фида и свежий вердикт свежести.
func (f *Facade) Snapshot(feedID string) (DataSnapshot, StalenessVerdict, error) {
	h, ok := f.handle(feedID)
	if !ok {
		return DataSnapshot{}, StalenessVerdict{Tier: TierCritical, Mode: TradingDisabled}, ErrUnknownFeed
	}
	return h.ctrl.Snapshot()
}

// Health возвращает health-срез одного фида.
func (f *Facade) Health(feedID string) (Health, error) {
	h, ok := f.handle(feedID)
	if !ok {
		return Health{}, ErrUnknownFeed
	}
	return h.ctrl.Health(), nil
}

// Feeds возвращает health-срезы всех подписанных фидов, отсортированные
// по id. Используется операционным эндпоинтом.
func (f *Facade) Feeds() []Health {
	f.mu.Lock()
	out := make([]Health, 0, len(f.feeds))
	for _, h := range f.feeds {
		out = append(out, h.ctrl.Health())
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

// ForceReconnect сбрасывает breaker и backoff уровня 0 фида и немедленно
// пробует его заново. Операторская ручка.
func (f *Facade) ForceReconnect(feedID string) error {
	h, ok := f.handle(feedID)
	if !ok {
		return ErrUnknownFeed
	}
	h.ctrl.ForceReconnect()
	return nil
}

// RunGauges обновляет gauges возраста данных и торгового режима, пока
// контекст жив. Запускается одной горутиной на процесс.
func (f *Facade) RunGauges(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		f.mu.Lock()
		handles := make(map[string]*feedHandle, len(f.feeds))
		for id, h := range f.feeds {
			handles[id] = h
		}
		f.mu.Unlock()
		for id, h := range handles {
			snap, verdict, err := h.ctrl.Snapshot()
			if err != nil {
				metrics.TradingMode.WithLabelValues(id).Set(TradingDisabled.GaugeValue())
				continue
			}
			metrics.DataAge.WithLabelValues(id).Set(time.Since(snap.ReceivedAt).Seconds())
			metrics.TradingMode.WithLabelValues(id).Set(verdict.Mode.GaugeValue())
		}
	}
}

// Close отменяет все подписки и дожидается их остановки.
func (f *Facade) Close() {
	f.mu.Lock()
	handles := make([]*feedHandle, 0, len(f.feeds))
	for _, h := range f.feeds {
		handles = append(handles, h)
	}
	f.feeds = make(map[string]*feedHandle)
	f.mu.Unlock()
	for _, h := range handles {
		h.stop()
	}
}

func (f *Facade) handle(feedID string) (*feedHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.feeds[feedID]
	return h, ok
}
