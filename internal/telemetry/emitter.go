// internal/telemetry/emitter.go
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/pkg/logger"
)

// Writer — бэкенд доставки: получает батчи событий.
type Writer interface {
	Write(ctx context.Context, batch []Event) error
}

// Config задаёт параметры буферизации эмиттера.
type Config struct {
	BufferSize    int           `mapstructure:"buffer_size"`    // ёмкость кольца (default 1024)
	BatchSize     int           `mapstructure:"batch_size"`     // максимум событий на один Write (default 64)
	FlushInterval time.Duration `mapstructure:"flush_interval"` // период смыва (default 1s)
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`  // бюджет на финальный смыв (default 3s)
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 3 * time.Second
	}
}

// Emitter принимает события без блокировки вызывающего. При устойчивом
// backpressure вытесняются самые старые записи: стриминговое ядро важнее
// полноты телеметрии.
type Emitter struct {
	cfg     Config
	writers []Writer
	log     *logger.Logger

	mu      sync.Mutex
	buf     []Event // кольцо: buf[0] — самое старое
	dropped uint64
}

// NewEmitter создаёт Emitter поверх набора Writer-ов.
func NewEmitter(cfg Config, log *logger.Logger, writers ...Writer) *Emitter {
	cfg.applyDefaults()
	return &Emitter{
		cfg:     cfg,
		writers: writers,
		log:     log.Named("telemetry"),
		buf:     make([]Event, 0, cfg.BufferSize),
	}
}

// Emit кладёт событие в буфер. Никогда не блокирует и не возвращает ошибок.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if len(e.buf) >= e.cfg.BufferSize {
		// Вытесняем самое старое.
		copy(e.buf, e.buf[1:])
		e.buf = e.buf[:len(e.buf)-1]
		e.dropped++
	}
	e.buf = append(e.buf, ev)
	e.mu.Unlock()
}

// Dropped возвращает число вытесненных событий.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Run гоняет цикл смыва до отмены ctx, затем делает финальный дренаж
// с бюджетом DrainTimeout. Всегда возвращает nil: телеметрия не может
// завалить сервис.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
			e.drain(drainCtx)
			cancel()
			return nil
		case <-ticker.C:
			e.flushOnce(ctx)
		}
	}
}

// flushOnce забирает один батч и раздаёт его всем writer-ам.
func (e *Emitter) flushOnce(ctx context.Context) {
	batch := e.takeBatch()
	if len(batch) == 0 {
		return
	}
	for _, w := range e.writers {
		if err := w.Write(ctx, batch); err != nil {
			// Ошибки доставки не возвращаются в ядро.
			e.log.Warn("telemetry write failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
	}
}

func (e *Emitter) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := e.takeBatch()
		if len(batch) == 0 {
			return
		}
		for _, w := range e.writers {
			if err := w.Write(ctx, batch); err != nil {
				e.log.Warn("telemetry drain write failed", zap.Error(err))
			}
		}
	}
}

func (e *Emitter) takeBatch() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buf) == 0 {
		return nil
	}
	n := len(e.buf)
	if n > e.cfg.BatchSize {
		n = e.cfg.BatchSize
	}
	batch := make([]Event, n)
	copy(batch, e.buf[:n])
	rest := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:rest]
	return batch
}
