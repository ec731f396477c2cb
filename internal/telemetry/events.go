// internal/telemetry/events.go
//
// Пакет telemetry отвечает за структурные lifecycle-события ядра:
// приём fire-and-forget, буферизацию с вытеснением старых записей
// и батчевую доставку во внешние sink-и.
package telemetry

import "time"

// Имена lifecycle-событий. Внешние потребители (алерты, разбор инцидентов)
// матчатся по этим строкам, менять их нельзя.
const (
	EventConnectionOpened   = "connection_opened"
	EventConnectionClosed   = "connection_closed"
	EventHeartbeatTimeout   = "heartbeat_timeout"
	EventRateCollapse       = "rate_collapse"
	EventReconnectScheduled = "reconnect_scheduled"
	EventCircuitOpened      = "circuit_opened"
	EventCircuitClosed      = "circuit_closed"
	EventTierDemoted        = "tier_demoted"
	EventTierPromoted       = "tier_promoted"
	EventServerError        = "server_error"
	EventAllTiersExhausted  = "all_tiers_exhausted"
)

// Event — одна неизменяемая запись телеметрии. Ядро её только пишет
// и никогда не читает обратно.
type Event struct {
	Stream       string            `json:"stream"` // логический фид ("positions", "prices")
	Event        string            `json:"event"`
	TimestampUTC time.Time         `json:"timestamp_utc"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// NewEvent собирает Event с текущим UTC-временем.
func NewEvent(stream, event string, attrs map[string]string) Event {
	return Event{
		Stream:       stream,
		Event:        event,
		TimestampUTC: time.Now().UTC(),
		Attributes:   attrs,
	}
}

// Sink — то, что видит ядро: неблокирующий приём одного события.
type Sink interface {
	Emit(ev Event)
}

// NopSink отбрасывает всё. Удобен в тестах.
type NopSink struct{}

func (NopSink) Emit(Event) {}
