// internal/transport/transport.go
//
// Пакет transport задаёт контракты источников данных, не зависящие от
// конкретного протокола. Машина состояний подключения работает только
// с этими интерфейсами и тестируется без реальной сети.
package transport

import (
	"context"
	"time"
)

// EventType — тип события, прочитанного из push-потока.
type EventType uint8

const (
	// EventConnected — сервер подтвердил подключение (несёт session id).
	EventConnected EventType = iota
	// EventHeartbeat — явный сигнал живости с серверным временем.
	EventHeartbeat
	// EventData — полезная нагрузка фида (любое payload-событие
	// также считается сигналом живости).
	EventData
	// EventError — серверная ошибка с машиночитаемым кодом.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventHeartbeat:
		return "heartbeat"
	case EventData:
		return "data"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event — одно событие push-потока.
type Event struct {
	Type       EventType
	Payload    []byte    // сырой payload (для EventData)
	Seq        uint64    // номер последовательности; 0 → транспорт их не даёт
	Code       string    // машиночитаемый код (для EventError)
	SessionID  string    // идентификатор сессии (для EventConnected)
	ServerTime time.Time // серверное время (для EventHeartbeat), может быть нулевым
}

// Stream — открытое push-соединение. Закрытие канала Events означает
// разрыв соединения; причину отдаёт Err().
type Stream interface {
	Events() <-chan Event
	// Err возвращает причину закрытия канала (nil до закрытия).
	Err() error
	Close() error
}

// Adapter устанавливает одно push-соединение. Реализация не переподключается
// сама: политика реконнекта целиком принадлежит вызывающему.
type Adapter interface {
	Connect(ctx context.Context) (Stream, error)
}

// Poller выполняет один запрос fallback-уровня.
type Poller interface {
	Fetch(ctx context.Context) ([]byte, error)
}
