// internal/transport/errors.go
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed — транспорт закрыт удалённой стороной.
var ErrClosed = errors.New("transport: connection closed")

// ErrTimeout — сетевой дедлайн (connect или fetch) истёк.
// Для политики ретраев таймаут неотличим от транспортной ошибки.
var ErrTimeout = errors.New("transport: operation timed out")

// ServerError — явная серверная ошибка (5xx либо error-событие потока).
type ServerError struct {
	Code string // машиночитаемый код ("internal", "502", ...)
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("transport: server error (code=%s)", e.Code)
}

// RateLimitError — отказ из-за лимита запросов (429 либо rate-limit код
// в error-событии). Обрабатывается как обычная ошибка, но дополнительно
// расширяет следующую задержку ретрая.
type RateLimitError struct {
	Code string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("transport: rate limited (code=%s)", e.Code)
}

// IsRateLimit сообщает, является ли err (или код события) rate-limit отказом.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsRateLimitCode распознаёт rate-limit коды error-событий потока.
func IsRateLimitCode(code string) bool {
	switch code {
	case "429", "rate_limit", "rate_limited", "too_many_requests":
		return true
	default:
		return false
	}
}

// IsTimeout нормализует context.DeadlineExceeded к ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
