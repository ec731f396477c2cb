// internal/stream/errors.go
package stream

import "errors"

// Ошибки живости соединения. Все они восстанавливаются локально
// (через реконнект) и никогда не всплывают наружу как фатальные.
var (
	// ErrHeartbeatTimeout — соединение открыто, но молчит дольше допустимого.
	ErrHeartbeatTimeout = errors.New("stream: heartbeat timeout")

	// ErrRateCollapse — поток сообщений резко упал относительно скользящего
	// среднего: соединение живо формально, но данные фактически не идут.
	ErrRateCollapse = errors.New("stream: message rate collapse")

	// ErrSequenceGap — доля пропусков sequence-номеров превысила порог:
	// тихая частичная потеря данных. Обрабатывается как ErrRateCollapse.
	ErrSequenceGap = errors.New("stream: sequence gap ratio exceeded")

	// ErrTierExhausted — уровень источника исчерпал попытки подключения.
	// Обрабатывается контроллером failover-а (понижение уровня), наружу
	// виден только как смена health-статуса.
	ErrTierExhausted = errors.New("stream: tier exhausted")

	// ErrUnknownFeed — фид с таким id не подписан.
	ErrUnknownFeed = errors.New("stream: unknown feed")

	// ErrNoSnapshot — для фида ещё нет ни одного доставленного снапшота.
	ErrNoSnapshot = errors.New("stream: no snapshot available")
)

// errPromoted — внутренний сигнал контроллеру: фоновая проверка уровня 0
// прошла валидацию, фид возвращается на основной источник.
var errPromoted = errors.New("stream: promoted to primary tier")

// errForced — оператор запросил немедленный реконнект с уровня 0.
var errForced = errors.New("stream: reconnect forced")
