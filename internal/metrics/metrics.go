// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ConnectAttempts — попытки установить push-соединение по фиду и статусу.
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcore", Subsystem: "conn", Name: "attempts_total",
		Help: "Push connection attempts by feed, tier and status",
	}, []string{"feed", "tier", "status"})

	// Reconnects — число запланированных реконнектов.
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcore", Subsystem: "conn", Name: "reconnects_total",
		Help: "Scheduled reconnects by feed and cause",
	}, []string{"feed", "cause"})

	// TierChanges — смены уровня источника данных.
	TierChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcore", Subsystem: "failover", Name: "tier_changes_total",
		Help: "Tier transitions by feed and direction (demote/promote)",
	}, []string{"feed", "direction"})

	// ActiveTier — индекс активного уровня (0 = primary push).
	ActiveTier = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamcore", Subsystem: "failover", Name: "active_tier",
		Help: "Index of the currently active tier (0 = primary push)",
	}, []string{"feed"})

	// DataAge — возраст последнего снапшота в секундах.
	DataAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamcore", Subsystem: "staleness", Name: "data_age_seconds",
		Help: "Age of the freshest delivered snapshot (seconds)",
	}, []string{"feed"})

	// TradingMode — текущий торговый режим (0=full,1=limited,2=cancel_only,3=disabled).
	TradingMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamcore", Subsystem: "staleness", Name: "trading_mode",
		Help: "Permitted trading mode (0=full,1=limited,2=cancel_only,3=disabled)",
	}, []string{"feed"})

	// BreakerState — состояние circuit breaker-а (0=closed,1=half_open,2=open).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamcore", Subsystem: "breaker", Name: "state",
		Help: "Circuit breaker state per feed and tier (0=closed,1=half_open,2=open)",
	}, []string{"feed", "tier"})

	// EventsTotal — принятые payload-события по фиду.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcore", Subsystem: "stream", Name: "events_total",
		Help: "Payload events received by feed",
	}, []string{"feed"})

	// PublishErrors — ошибки публикации полезной нагрузки в Kafka.
	PublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcore", Subsystem: "kafka", Name: "publish_errors_total",
		Help: "Errors publishing feed payloads to Kafka",
	}, []string{"feed"})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			ConnectAttempts,
			Reconnects,
			TierChanges,
			ActiveTier,
			DataAge,
			TradingMode,
			BreakerState,
			EventsTotal,
			PublishErrors,
		)
	})
}
