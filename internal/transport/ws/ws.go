// internal/transport/ws/ws.go
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/internal/transport"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// Config задаёт параметры push-подключения.
type Config struct {
	URL              string        // адрес WebSocket, например "wss://stream.example.com/ws"
	Channels         []string      // каналы для SUBSCRIBE, напр. ["positions"]
	BufferSize       int           // размер буфера канала событий
	ConnectTimeout   time.Duration // дедлайн установления соединения
	ReadTimeout      time.Duration // ReadDeadline, например 30s
	SubscribeTimeout time.Duration // дедлайн записи SUBSCRIBE-фрейма
}

// applyDefaults проверяет и заполняет default-значения.
func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
}

func (c Config) validate() error {
	var errs []string
	if c.URL == "" {
		errs = append(errs, "URL is required")
	}
	if len(c.Channels) == 0 {
		errs = append(errs, "at least one Channel is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("ws: invalid Config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Adapter устанавливает одно соединение на вызов Connect.
// Реконнект-политика намеренно вынесена наружу: адаптер только
// открывает сессию, подписывается и читает события.
type Adapter struct {
	cfg         Config
	log         *logger.Logger
	subscribeID uint64 // для уникальных id подписок
}

// New создаёт Adapter. Логгер именуется "push-ws" для фильтра в логах.
func New(cfg Config, log *logger.Logger) (*Adapter, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log.Named("push-ws")}, nil
}

// Connect открывает соединение, шлёт SUBSCRIBE и запускает чтение.
// Канал событий закрывается при разрыве соединения или отмене ctx.
func (a *Adapter) Connect(ctx context.Context) (transport.Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.URL, nil)
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, fmt.Errorf("ws: dial %s: %w", a.cfg.URL, transport.ErrTimeout)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", a.cfg.URL, err)
	}

	// Read-deadline двигается pong-ами и любым прочитанным фреймом.
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	})

	// Подписка с уникальным id.
	id := atomic.AddUint64(&a.subscribeID, 1)
	req := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": a.cfg.Channels,
		"id":     id,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.SubscribeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ws: subscribe: %w", err)
	}

	// ctx вызывающего ограничивает только установление соединения (dialCtx
	// выше). Жизненный цикл открытого потока принадлежит самому потоку и
	// завершается через Close(): вызывающие отменяют connect-ctx сразу
	// после возврата Connect.
	streamCtx, stop := context.WithCancel(context.Background())
	s := &stream{
		conn:   conn,
		events: make(chan transport.Event, a.cfg.BufferSize),
		stop:   stop,
		log:    a.log,
	}

	// Ping-горутина: период — треть ReadTimeout.
	go s.pingLoop(streamCtx, a.cfg.ReadTimeout/3)
	go s.readLoop(streamCtx, a.cfg.ReadTimeout)

	a.log.Info("ws: connected", zap.String("url", a.cfg.URL), zap.Strings("channels", a.cfg.Channels))
	return s, nil
}

// -----------------------------------------------------------------------------
// stream
// -----------------------------------------------------------------------------

type stream struct {
	conn   *websocket.Conn
	events chan transport.Event
	stop   context.CancelFunc
	log    *logger.Logger

	err    atomic.Value // error
	closed atomic.Bool
}

func (s *stream) Events() <-chan transport.Event { return s.events }

func (s *stream) Err() error {
	if v := s.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stop()
	return s.conn.Close()
}

func (s *stream) pingLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Warn("ws: ping failed", zap.Error(err))
			}
		}
	}
}

// wireEvent — общий конверт событий потока.
type wireEvent struct {
	Event   string `json:"event"`
	Session string `json:"session,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	TS      int64  `json:"ts,omitempty"` // unix millis серверного времени
	Code    string `json:"code,omitempty"`
}

func (s *stream) readLoop(ctx context.Context, readTimeout time.Duration) {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.err.Store(classifyReadError(err))
				s.log.Warn("ws: read error", zap.Error(err))
			}
			_ = s.Close()
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var meta wireEvent
		if uErr := json.Unmarshal(data, &meta); uErr != nil || meta.Event == "" {
			s.log.Debug("ws: unparseable frame, skipping")
			continue
		}

		ev := transport.Event{Payload: data, Seq: meta.Seq}
		switch meta.Event {
		case "connected":
			ev.Type = transport.EventConnected
			ev.SessionID = meta.Session
		case "heartbeat":
			ev.Type = transport.EventHeartbeat
			if meta.TS > 0 {
				ev.ServerTime = time.UnixMilli(meta.TS)
			}
		case "error":
			ev.Type = transport.EventError
			ev.Code = meta.Code
		default:
			// Любое именованное payload-событие (position_update,
			// price_update, ...) считается данными.
			ev.Type = transport.EventData
		}

		// Отправляем, если есть место в буфере.
		select {
		case s.events <- ev:
		case <-ctx.Done():
			_ = s.Close()
			return
		default:
			s.log.Warn("ws: buffer full, dropping event", zap.String("type", meta.Event))
		}
	}
}

func classifyReadError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	) {
		return transport.ErrClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return transport.ErrTimeout
	}
	return fmt.Errorf("%w: %v", transport.ErrClosed, err)
}
