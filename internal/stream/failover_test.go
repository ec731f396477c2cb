// internal/stream/failover_test.go
package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/market-stream/internal/telemetry"
	"github.com/YaganovValera/market-stream/internal/transport"
)

// pumpAdapter при healthy отдаёт поток, сам публикующий события
// с заданным периодом до закрытия потока.
type pumpAdapter struct {
	mu      sync.Mutex
	healthy bool
	period  time.Duration
	event   transport.Event
	conns   int
}

func (a *pumpAdapter) setHealthy(v bool) {
	a.mu.Lock()
	a.healthy = v
	a.mu.Unlock()
}

func (a *pumpAdapter) Connect(ctx context.Context) (transport.Stream, error) {
	a.mu.Lock()
	a.conns++
	healthy, period, event := a.healthy, a.period, a.event
	a.mu.Unlock()
	if !healthy {
		return nil, errors.New("dial refused")
	}
	st := newFakeStream()
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		seq := uint64(0)
		for {
			select {
			case <-st.done:
				return
			case <-t.C:
				seq++
				ev := event
				ev.Seq = seq
				select {
				case st.ch <- ev:
				case <-st.done:
					return
				}
			}
		}
	}()
	return st, nil
}

type fakePoller struct {
	mu    sync.Mutex
	fn    func(call int) ([]byte, error)
	calls int
}

func (p *fakePoller) Fetch(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	fn := p.fn
	p.mu.Unlock()
	return fn(n)
}

func (p *fakePoller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type memStore struct {
	mu sync.Mutex
	m  map[string]DataSnapshot
}

func newMemStore() *memStore { return &memStore{m: make(map[string]DataSnapshot)} }

func (s *memStore) Save(_ context.Context, snap DataSnapshot) error {
	s.mu.Lock()
	s.m[snap.FeedID] = snap
	s.mu.Unlock()
	return nil
}

func (s *memStore) Load(_ context.Context, feedID string) (DataSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.m[feedID]
	if !ok {
		return DataSnapshot{}, ErrNoSnapshot
	}
	return snap, nil
}

func fastSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{TickInterval: 10 * time.Millisecond}
}

// ----- тесты контроллера ----------------------------------------------------

func TestController_DemotesToBackupWhenPrimaryExhausted(t *testing.T) {
	primary := &pumpAdapter{healthy: false}
	backup := &pumpAdapter{
		healthy: true,
		period:  10 * time.Millisecond,
		event:   transport.Event{Type: transport.EventData, Payload: []byte(`{"px":42}`)},
	}
	sink := &captureSink{}
	cfg := ControllerConfig{
		FeedID: "prices",
		Tiers: []TierSpec{
			{
				Kind: TierPushPrimary, Adapter: primary,
				Scheduler: SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10},
				Breaker:   BreakerConfig{FailureThreshold: 2, OpenDuration: time.Minute},
			},
			{
				Kind: TierPushBackup, Adapter: backup,
				Scheduler: SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10},
			},
		},
		Supervisor:    fastSupervisorConfig(),
		ProbeInterval: time.Hour, // пробы уровня 0 вне сценария
	}
	ctrl, err := NewController(cfg, nil, sink, newTestLogger(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return sink.count(telemetry.EventTierDemoted) == 1 },
		"feed must demote to backup")
	waitFor(t, 2*time.Second, func() bool {
		h := ctrl.Health()
		return h.TierIndex == 1 && h.State == StateConnected
	}, "backup tier must connect")

	waitFor(t, 2*time.Second, func() bool {
		_, _, err := ctrl.Snapshot()
		return err == nil
	}, "backup data must flow")
	snap, verdict, err := ctrl.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(snap.Payload) != `{"px":42}` {
		t.Errorf("payload = %s, want backup data", snap.Payload)
	}
	if verdict.Mode != TradingFull {
		t.Errorf("mode = %v, want full on fresh data", verdict.Mode)
	}

	cancel()
	<-done
}

func TestController_AllTiersExhaustedForcesDisabled(t *testing.T) {
	store := newMemStore()
	store.m["prices"] = DataSnapshot{
		FeedID:     "prices",
		Payload:    []byte(`{"px":1}`),
		ReceivedAt: time.Now().Add(-75 * time.Second),
	}

	primary := &pumpAdapter{healthy: false}
	sink := &captureSink{}
	cfg := ControllerConfig{
		FeedID: "prices",
		Tiers: []TierSpec{
			{
				Kind: TierPushPrimary, Adapter: primary,
				Scheduler: SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10},
				Breaker:   BreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute},
			},
			{Kind: TierCache},
		},
		Supervisor:    fastSupervisorConfig(),
		ProbeInterval: time.Hour,
	}
	ctrl, err := NewController(cfg, store, sink, newTestLogger(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return sink.count(telemetry.EventAllTiersExhausted) >= 1 },
		"all_tiers_exhausted must be emitted")
	if n := sink.count(telemetry.EventAllTiersExhausted); n != 1 {
		t.Errorf("all_tiers_exhausted emitted %d times, want exactly 1", n)
	}

	snap, verdict, err := ctrl.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(snap.Payload) != `{"px":1}` {
		t.Errorf("payload = %s, want cached snapshot", snap.Payload)
	}
	if verdict.Mode != TradingDisabled {
		t.Errorf("mode = %v, want disabled for a 75s-old snapshot", verdict.Mode)
	}
	h := ctrl.Health()
	if h.State != StateFailed || !h.ForcedDisabled {
		t.Errorf("health = %+v, want Failed with ForcedDisabled", h)
	}

	cancel()
	<-done
}

func TestController_PollRateLimitDoublesInterval(t *testing.T) {
	poller := &fakePoller{fn: func(call int) ([]byte, error) {
		if call <= 2 {
			return nil, &transport.RateLimitError{Code: "429"}
		}
		return []byte(`{"px":7}`), nil
	}}
	sink := &captureSink{}
	cfg := ControllerConfig{
		FeedID: "positions",
		Tiers: []TierSpec{
			{
				Kind: TierPoll, Poller: poller,
				PollInterval:    20 * time.Millisecond,
				PollMaxInterval: 200 * time.Millisecond,
				Scheduler:       SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10},
			},
		},
		Supervisor:    fastSupervisorConfig(),
		ProbeInterval: time.Hour,
	}
	ctrl, err := NewController(cfg, nil, sink, newTestLogger(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		_, _, err := ctrl.Snapshot()
		return err == nil
	}, "poll must eventually succeed")

	if n := sink.count(telemetry.EventServerError); n != 2 {
		t.Errorf("server_error emitted %d times, want 2 (one per 429)", n)
	}
	if ev, ok := sink.last(telemetry.EventServerError); !ok || ev.Attributes["interval_ms"] != "80" {
		t.Errorf("second 429 must double interval to 80ms, got %+v", ev.Attributes)
	}
	h := ctrl.Health()
	if h.State != StateConnected || h.TierKind != TierPoll {
		t.Errorf("health = %+v, want connected poll tier", h)
	}

	cancel()
	<-done
}

func TestController_PromotesBackToPrimary(t *testing.T) {
	primary := &pumpAdapter{
		healthy: false,
		period:  10 * time.Millisecond,
		event:   transport.Event{Type: transport.EventHeartbeat},
	}
	poller := &fakePoller{fn: func(int) ([]byte, error) { return []byte(`{"px":3}`), nil }}
	sink := &captureSink{}
	cfg := ControllerConfig{
		FeedID: "prices",
		Tiers: []TierSpec{
			{
				Kind: TierPushPrimary, Adapter: primary,
				Scheduler: SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 2},
				Breaker:   BreakerConfig{FailureThreshold: 1, OpenDuration: 50 * time.Millisecond},
			},
			{
				Kind: TierPoll, Poller: poller,
				PollInterval:    10 * time.Millisecond,
				PollMaxInterval: 100 * time.Millisecond,
				Scheduler:       SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10},
			},
		},
		Supervisor:       fastSupervisorConfig(),
		ValidationWindow: 60 * time.Millisecond,
		ProbeInterval:    30 * time.Millisecond,
	}
	ctrl, err := NewController(cfg, nil, sink, newTestLogger(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return ctrl.Health().TierIndex == 1 },
		"feed must fall back to poll")
	waitFor(t, 2*time.Second, func() bool { return poller.callCount() > 0 },
		"poll loop must run")

	// Основной источник ожил: проба должна выдержать окно валидации
	// и вернуть фид на уровень 0.
	primary.setHealthy(true)
	waitFor(t, 5*time.Second, func() bool { return sink.count(telemetry.EventTierPromoted) == 1 },
		"feed must promote back to primary")
	waitFor(t, 2*time.Second, func() bool {
		h := ctrl.Health()
		return h.TierIndex == 0 && h.State == StateConnected
	}, "primary tier must reconnect after promotion")

	// Poll-цикл разобран: счётчик больше не растёт.
	base := poller.callCount()
	time.Sleep(150 * time.Millisecond)
	if got := poller.callCount(); got > base+1 {
		t.Errorf("poller still running after promotion: %d extra calls", got-base)
	}

	cancel()
	<-done
}

func TestController_ForceReconnectReturnsToPrimary(t *testing.T) {
	primary := &pumpAdapter{healthy: false}
	poller := &fakePoller{fn: func(int) ([]byte, error) { return []byte(`{}`), nil }}
	sink := &captureSink{}
	cfg := ControllerConfig{
		FeedID: "prices",
		Tiers: []TierSpec{
			{
				Kind: TierPushPrimary, Adapter: primary,
				Scheduler: SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 2},
				Breaker:   BreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour},
			},
			{
				Kind: TierPoll, Poller: poller,
				PollInterval: 10 * time.Millisecond,
				Scheduler:    SchedulerConfig{BaseDelay: time.Millisecond, MaxAttempts: 10},
			},
		},
		Supervisor:    fastSupervisorConfig(),
		ProbeInterval: time.Hour,
	}
	ctrl, err := NewController(cfg, nil, sink, newTestLogger(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return ctrl.Health().TierIndex == 1 },
		"feed must fall back to poll")
	baseConns := func() int {
		primary.mu.Lock()
		defer primary.mu.Unlock()
		return primary.conns
	}()

	// Несмотря на открытый на час breaker, форс сбрасывает его
	// и немедленно пробует уровень 0.
	ctrl.ForceReconnect()
	waitFor(t, 2*time.Second, func() bool {
		primary.mu.Lock()
		defer primary.mu.Unlock()
		return primary.conns > baseConns
	}, "primary must be retried immediately after force")
	waitFor(t, 2*time.Second, func() bool { return sink.count(telemetry.EventTierDemoted) == 2 },
		"still-broken primary must demote again")

	cancel()
	<-done
}

func TestControllerConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ControllerConfig
		wantErr bool
	}{
		{"no feed id", ControllerConfig{Tiers: []TierSpec{{Kind: TierPoll, Poller: &fakePoller{}}}}, true},
		{"no tiers", ControllerConfig{FeedID: "prices"}, true},
		{"push without adapter", ControllerConfig{FeedID: "prices", Tiers: []TierSpec{{Kind: TierPushPrimary}}}, true},
		{"poll without poller", ControllerConfig{FeedID: "prices", Tiers: []TierSpec{{Kind: TierPoll}}}, true},
		{"cache not last", ControllerConfig{FeedID: "prices", Tiers: []TierSpec{
			{Kind: TierCache}, {Kind: TierPoll, Poller: &fakePoller{}},
		}}, true},
		{"valid chain", ControllerConfig{FeedID: "prices", Tiers: []TierSpec{
			{Kind: TierPushPrimary, Adapter: &pumpAdapter{}},
			{Kind: TierPoll, Poller: &fakePoller{}},
			{Kind: TierCache},
		}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewController(tc.cfg, nil, nil, newTestLogger(t), nil, nil)
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
