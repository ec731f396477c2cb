// internal/stream/supervisor_test.go
package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/market-stream/internal/telemetry"
	"github.com/YaganovValera/market-stream/internal/transport"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// ----- общие фейки пакета ---------------------------------------------------

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", DevMode: true})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

type fakeStream struct {
	ch   chan transport.Event
	err  error
	done chan struct{}
	once sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan transport.Event, 64), done: make(chan struct{})}
}

func (s *fakeStream) Events() <-chan transport.Event { return s.ch }
func (s *fakeStream) Err() error                     { return s.err }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type connectResult struct {
	st  transport.Stream
	err error
}

// fakeAdapter отдаёт заскриптованные результаты Connect; после исчерпания
// скрипта блокируется до отмены контекста.
type fakeAdapter struct {
	mu      sync.Mutex
	results []connectResult
	calls   int
}

func (a *fakeAdapter) Connect(ctx context.Context) (transport.Stream, error) {
	a.mu.Lock()
	a.calls++
	if len(a.results) > 0 {
		r := a.results[0]
		a.results = a.results[1:]
		a.mu.Unlock()
		return r.st, r.err
	}
	a.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type captureSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *captureSink) Emit(ev telemetry.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func (s *captureSink) last(name string) (telemetry.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Event == name {
			return s.events[i], true
		}
	}
	return telemetry.Event{}, false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(st ConnectionState, _ int) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *stateRecorder) has(st ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == st {
			return true
		}
	}
	return false
}

type snapRecorder struct {
	mu    sync.Mutex
	snaps []DataSnapshot
}

func (r *snapRecorder) record(s DataSnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

// ----- тесты супервизора ----------------------------------------------------

func newTestSupervisor(
	t *testing.T,
	adapter transport.Adapter,
	breaker *CircuitBreaker,
	sched *ReconnectScheduler,
	sink telemetry.Sink,
	states *stateRecorder,
	snaps *snapRecorder,
) *Supervisor {
	t.Helper()
	return NewSupervisor(
		SupervisorConfig{TickInterval: 10 * time.Millisecond},
		"prices", 0, "push_primary",
		adapter, breaker, sched,
		snaps.record, states.record,
		sink, newTestLogger(t),
	)
}

func TestSupervisor_HeartbeatTimeoutExactlyOneReconnect(t *testing.T) {
	st := newFakeStream()
	adapter := &fakeAdapter{results: []connectResult{{st: st}}}
	sink := &captureSink{}
	states := &stateRecorder{}
	snaps := &snapRecorder{}
	sched := newTestScheduler(SchedulerConfig{BaseDelay: 5 * time.Millisecond, MaxAttempts: 10}, 0)
	sup := newTestSupervisor(t, adapter, NewCircuitBreaker(BreakerConfig{}), sched, sink, states, snaps)
	clk := newFakeClock()
	sup.now = clk.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventConnectionOpened) == 1 },
		"connection must open")

	// 31 секунда тишины в состоянии Connected.
	clk.Advance(31 * time.Second)

	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventHeartbeatTimeout) >= 1 },
		"heartbeat timeout must fire")
	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventReconnectScheduled) >= 1 },
		"reconnect must be scheduled")

	// Эпизод таймаута ровно один: повторных событий быть не должно.
	time.Sleep(80 * time.Millisecond)
	if n := sink.count(telemetry.EventHeartbeatTimeout); n != 1 {
		t.Errorf("heartbeat_timeout emitted %d times, want exactly 1", n)
	}
	if n := sink.count(telemetry.EventReconnectScheduled); n != 1 {
		t.Errorf("reconnect_scheduled emitted %d times, want exactly 1", n)
	}
	if !states.has(StateReconnecting) {
		t.Error("supervisor must pass through Reconnecting")
	}
	if ev, ok := sink.last(telemetry.EventConnectionClosed); !ok || ev.Attributes["cause"] != "heartbeat_timeout" {
		t.Errorf("connection_closed cause = %+v, want heartbeat_timeout", ev.Attributes)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestSupervisor_ConsecutiveConnectFailuresExhaustTier(t *testing.T) {
	connErr := errors.New("dial refused")
	adapter := &fakeAdapter{results: []connectResult{{err: connErr}, {err: connErr}, {err: connErr}}}
	sink := &captureSink{}
	states := &stateRecorder{}
	sched := newTestScheduler(SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10}, 0)
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3})
	sup := newTestSupervisor(t, adapter, breaker, sched, sink, states, &snapRecorder{})

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrTierExhausted) {
		t.Fatalf("Run returned %v, want ErrTierExhausted", err)
	}
	if n := adapter.callCount(); n != 3 {
		t.Errorf("connect attempts = %d, want 3 (breaker opens on the third)", n)
	}
	if got := breaker.State(); got != BreakerOpen {
		t.Errorf("breaker state = %v, want open", got)
	}
	if n := sink.count(telemetry.EventCircuitOpened); n != 1 {
		t.Errorf("circuit_opened emitted %d times, want 1", n)
	}
	if !states.has(StateFailed) {
		t.Error("supervisor must end in Failed")
	}
}

func TestSupervisor_BackoffResetsOnlyOnConfirmedData(t *testing.T) {
	st := newFakeStream()
	adapter := &fakeAdapter{results: []connectResult{
		{err: errors.New("dial refused")},
		{st: st},
	}}
	sink := &captureSink{}
	snaps := &snapRecorder{}
	sched := newTestScheduler(SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10}, 0)
	sup := newTestSupervisor(t, adapter, NewCircuitBreaker(BreakerConfig{}), sched, sink, &stateRecorder{}, snaps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventConnectionOpened) == 1 },
		"second attempt must connect")
	// Открытие транспорта само по себе не сбрасывает backoff.
	if got := sched.Attempts(); got != 1 {
		t.Errorf("attempts after transport-open = %d, want 1", got)
	}

	st.ch <- transport.Event{Type: transport.EventData, Payload: []byte(`{"px":1}`), Seq: 1}
	waitFor(t, time.Second, func() bool { return snaps.count() == 1 }, "snapshot must be published")
	if got := sched.Attempts(); got != 0 {
		t.Errorf("attempts after confirmed data = %d, want 0", got)
	}

	cancel()
	<-done
}

func TestSupervisor_TransportClosedReconnects(t *testing.T) {
	st := newFakeStream()
	adapter := &fakeAdapter{results: []connectResult{{st: st}}}
	sink := &captureSink{}
	sched := newTestScheduler(SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10}, 0)
	sup := newTestSupervisor(t, adapter, NewCircuitBreaker(BreakerConfig{}), sched, sink, &stateRecorder{}, &snapRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventConnectionOpened) == 1 },
		"connection must open")
	close(st.ch) // удалённая сторона разорвала соединение

	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventReconnectScheduled) >= 1 },
		"reconnect must be scheduled after transport close")
	if ev, ok := sink.last(telemetry.EventConnectionClosed); !ok || ev.Attributes["cause"] != "transport_closed" {
		t.Errorf("connection_closed cause = %+v, want transport_closed", ev.Attributes)
	}

	cancel()
	<-done
}

func TestSupervisor_ServerErrorEventEmitted(t *testing.T) {
	st := newFakeStream()
	adapter := &fakeAdapter{results: []connectResult{{st: st}}}
	sink := &captureSink{}
	sched := newTestScheduler(SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10}, 0)
	sup := newTestSupervisor(t, adapter, NewCircuitBreaker(BreakerConfig{}), sched, sink, &stateRecorder{}, &snapRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventConnectionOpened) == 1 },
		"connection must open")
	st.ch <- transport.Event{Type: transport.EventError, Code: "internal"}

	waitFor(t, time.Second, func() bool { return sink.count(telemetry.EventServerError) == 1 },
		"server_error must be emitted")
	if ev, _ := sink.last(telemetry.EventServerError); ev.Attributes["code"] != "internal" {
		t.Errorf("server_error code = %q, want internal", ev.Attributes["code"])
	}

	cancel()
	<-done
}
