// internal/stream/staleness.go
//
// Классификация возраста данных. Чистая функция без состояния:
// вердикт пересчитывается на каждом чтении, потому что возраст растёт
// непрерывно даже без новых событий.
package stream

import (
	"fmt"
	"time"
)

// StalenessTier — ступень свежести данных.
type StalenessTier uint8

const (
	TierLive StalenessTier = iota
	TierDelayed
	TierStale
	TierVeryStale
	TierCritical
)

func (t StalenessTier) String() string {
	switch t {
	case TierLive:
		return "LIVE"
	case TierDelayed:
		return "DELAYED"
	case TierStale:
		return "STALE"
	case TierVeryStale:
		return "VERY_STALE"
	case TierCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// TradingMode — какие торговые действия безопасно разрешать при текущей
// свежести данных.
type TradingMode uint8

const (
	TradingFull TradingMode = iota
	TradingLimited
	TradingCancelOnly
	TradingDisabled
)

func (m TradingMode) String() string {
	switch m {
	case TradingFull:
		return "full"
	case TradingLimited:
		return "limited"
	case TradingCancelOnly:
		return "cancel_only"
	case TradingDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// GaugeValue — числовое представление режима для prometheus-гейджа.
func (m TradingMode) GaugeValue() float64 { return float64(m) }

// Пороговые значения контрактные: внешние потребители (UI, алерты)
// завязаны на них, менять без согласования нельзя.
const (
	delayedAfter   = 5 * time.Second
	staleAfter     = 15 * time.Second
	veryStaleAfter = 30 * time.Second
	criticalAfter  = 60 * time.Second
)

// MarshalText отдаёт строковое имя ступени в JSON.
func (t StalenessTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// MarshalText отдаёт строковое имя режима в JSON.
func (m TradingMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// StalenessVerdict — производный результат классификации.
type StalenessVerdict struct {
	Age  time.Duration
	Tier StalenessTier
	Mode TradingMode
}

// MarshalJSON отдаёт возраст в миллисекундах и строковые имена ступени
// и режима: срез читают операторы, а не машины.
func (v StalenessVerdict) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"age_ms":%d,"tier":%q,"mode":%q}`,
		v.Age.Milliseconds(), v.Tier.String(), v.Mode.String())), nil
}

// Classify отображает возраст данных в ступень свежести и торговый режим.
// Тотальна на [0, ∞); отрицательный возраст (рассинхрон часов) трактуется
// как нулевой.
func Classify(age time.Duration) StalenessVerdict {
	if age < 0 {
		age = 0
	}
	v := StalenessVerdict{Age: age}
	switch {
	case age < delayedAfter:
		v.Tier, v.Mode = TierLive, TradingFull
	case age < staleAfter:
		v.Tier, v.Mode = TierDelayed, TradingFull
	case age < veryStaleAfter:
		v.Tier, v.Mode = TierStale, TradingLimited
	case age < criticalAfter:
		v.Tier, v.Mode = TierVeryStale, TradingCancelOnly
	default:
		v.Tier, v.Mode = TierCritical, TradingDisabled
	}
	return v
}
