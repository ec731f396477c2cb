// internal/stream/subscription.go
//
// Общие типы состояния подписки: состояние соединения, снапшот данных,
// health-срез для потребителей и контракт хранилища снапшотов.
package stream

import (
	"context"
	"time"
)

// ConnectionState — состояние жизненного цикла одной подписки.
// Подписка всегда находится ровно в одном состоянии.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed достигается только после исчерпания всех уровней,
	// включая валидность кеша. Ядро при этом продолжает фоновые пробы
	// основного уровня и может вернуться из Failed через promotion.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText отдаёт строковое имя в JSON health-среза.
func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DataSnapshot — последний успешно доставленный payload фида.
// Экземпляр неизменяем: наружу всегда уходит копия.
type DataSnapshot struct {
	FeedID     string    `json:"feed_id"`
	Payload    []byte    `json:"payload"`
	Seq        uint64    `json:"seq,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// clone возвращает независимую копию, чтобы читатели не гонялись
// с писателем за payload.
func (s DataSnapshot) clone() DataSnapshot {
	out := s
	if s.Payload != nil {
		out.Payload = make([]byte, len(s.Payload))
		copy(out.Payload, s.Payload)
	}
	return out
}

// Health — публикуемый срез состояния фида. Изменение любого поля
// доставляется подписчику через onHealthChange.
type Health struct {
	FeedID              string          `json:"feed_id"`
	State               ConnectionState `json:"state"`
	TierIndex           int             `json:"tier_index"`
	TierKind            TierKind        `json:"tier_kind"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastMessageAt       time.Time       `json:"last_message_at,omitempty"`
	// ForcedDisabled взводится на кеш-уровне, когда возраст снапшота
	// превысил жёсткий потолок: торговля запрещена независимо от
	// классификации свежести.
	ForcedDisabled bool `json:"forced_disabled,omitempty"`
}

// SnapshotStore — внешнее хранилище последних снапшотов. Кеш-уровень
// читает из него, активные уровни пишут best-effort.
type SnapshotStore interface {
	Save(ctx context.Context, snap DataSnapshot) error
	// Load возвращает ErrNoSnapshot, если для фида ничего не сохранено.
	Load(ctx context.Context, feedID string) (DataSnapshot, error)
}
