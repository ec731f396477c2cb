// internal/stream/heartbeat.go
//
// Монитор живости одной подписки: время последнего сигнала, скользящее
// окно частоты сообщений и учёт пропусков sequence-номеров. Чистый
// вычислитель — время подаётся снаружи, сети он не видит.
package stream

import "time"

// Verdict — результат периодической оценки живости.
type Verdict uint8

const (
	VerdictHealthy Verdict = iota
	// VerdictHeartbeatTimeout — ни сообщений, ни heartbeat-ов дольше лимита.
	VerdictHeartbeatTimeout
	// VerdictRateCollapse — частота сообщений упала ниже доли скользящего
	// среднего: соединение открыто, но данные фактически не идут.
	VerdictRateCollapse
	// VerdictSequenceGap — доля пропущенных sequence-номеров превысила
	// порог: тихая частичная потеря данных. Реакция та же, что на collapse.
	VerdictSequenceGap
)

func (v Verdict) String() string {
	switch v {
	case VerdictHealthy:
		return "healthy"
	case VerdictHeartbeatTimeout:
		return "heartbeat_timeout"
	case VerdictRateCollapse:
		return "rate_collapse"
	case VerdictSequenceGap:
		return "sequence_gap"
	default:
		return "unknown"
	}
}

// MonitorConfig — пороги детектора. Нулевые поля заменяются умолчаниями.
type MonitorConfig struct {
	// HeartbeatTimeout — максимум молчания в состоянии Connected.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// BucketSize — шаг корзин частоты сообщений.
	BucketSize time.Duration `mapstructure:"bucket_size"`
	// WindowBuckets — глубина скользящего среднего в корзинах.
	WindowBuckets int `mapstructure:"window_buckets"`
	// MinBuckets — минимум накопленной истории до оценки collapse-а.
	MinBuckets int `mapstructure:"min_buckets"`
	// CollapseFraction — корзина ниже этой доли среднего считается провалом.
	CollapseFraction float64 `mapstructure:"collapse_fraction"`
	// NoiseFloor — среднее ниже этого уровня не оценивается: легитимно
	// тихий фид не должен давать ложных срабатываний.
	NoiseFloor float64 `mapstructure:"noise_floor"`
	// GapWindowBuckets — окно учёта sequence-пропусков.
	GapWindowBuckets int `mapstructure:"gap_window_buckets"`
	// GapRatio — допустимая доля пропусков в окне.
	GapRatio float64 `mapstructure:"gap_ratio"`
}

func (c *MonitorConfig) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.BucketSize <= 0 {
		c.BucketSize = 5 * time.Second
	}
	if c.WindowBuckets <= 0 {
		c.WindowBuckets = 12
	}
	if c.MinBuckets <= 0 {
		c.MinBuckets = 6
	}
	if c.CollapseFraction <= 0 {
		c.CollapseFraction = 0.10
	}
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = 5
	}
	if c.GapWindowBuckets <= 0 {
		c.GapWindowBuckets = 6
	}
	if c.GapRatio <= 0 {
		c.GapRatio = 0.05
	}
}

type gapBucket struct {
	received int
	gaps     int
}

// Monitor не потокобезопасен: им владеет горутина супервизора.
type Monitor struct {
	cfg MonitorConfig

	start      time.Time
	lastSignal time.Time

	counts []int // кольцо WindowBuckets+2: текущая и последняя завершённая корзины + окно среднего
	gapBuf []gapBucket
	cur    int64 // номер текущей корзины от start
	known  bool  // было ли хоть одно Reset

	lastSeq uint64
}

// NewMonitor создаёт монитор; перед использованием нужен Reset.
func NewMonitor(cfg MonitorConfig) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:    cfg,
		counts: make([]int, cfg.WindowBuckets+2),
		gapBuf: make([]gapBucket, cfg.GapWindowBuckets),
	}
}

// Reset начинает новый отсчёт. Вызывается при каждом открытии соединения.
func (m *Monitor) Reset(now time.Time) {
	m.start = now
	m.lastSignal = now
	m.cur = 0
	m.lastSeq = 0
	m.known = true
	for i := range m.counts {
		m.counts[i] = 0
	}
	for i := range m.gapBuf {
		m.gapBuf[i] = gapBucket{}
	}
}

// OnHeartbeat фиксирует явный сигнал живости. В корзины частоты он не
// попадает: collapse оценивает именно поток полезных сообщений.
func (m *Monitor) OnHeartbeat(now time.Time) {
	m.lastSignal = now
}

// OnMessage фиксирует полезное сообщение. seq == 0 означает, что транспорт
// не даёт sequence-номеров, тогда учёт пропусков не ведётся.
func (m *Monitor) OnMessage(now time.Time, seq uint64) {
	m.advance(m.bucketOf(now))
	m.lastSignal = now
	m.counts[m.cur%int64(len(m.counts))]++

	if seq == 0 {
		return
	}
	g := &m.gapBuf[m.cur%int64(len(m.gapBuf))]
	g.received++
	if m.lastSeq > 0 && seq > m.lastSeq+1 {
		g.gaps += int(seq - m.lastSeq - 1)
	}
	if seq > m.lastSeq {
		m.lastSeq = seq
	}
}

// LastSignal возвращает время последнего сигнала живости.
func (m *Monitor) LastSignal() time.Time { return m.lastSignal }

// Evaluate вызывается на фиксированном тике (рекомендовано — раз в
// BucketSize) и выносит вердикт по накопленному состоянию.
func (m *Monitor) Evaluate(now time.Time) Verdict {
	if !m.known {
		return VerdictHealthy
	}
	m.advance(m.bucketOf(now))

	if now.Sub(m.lastSignal) >= m.cfg.HeartbeatTimeout {
		return VerdictHeartbeatTimeout
	}
	if m.gapRatioExceeded() {
		return VerdictSequenceGap
	}
	if m.rateCollapsed() {
		return VerdictRateCollapse
	}
	return VerdictHealthy
}

func (m *Monitor) bucketOf(now time.Time) int64 {
	d := now.Sub(m.start)
	if d < 0 {
		return 0
	}
	return int64(d / m.cfg.BucketSize)
}

// advance докручивает кольца до корзины b, зануляя пропущенные слоты.
func (m *Monitor) advance(b int64) {
	if b <= m.cur {
		return
	}
	if b-m.cur >= int64(len(m.counts)) {
		for i := range m.counts {
			m.counts[i] = 0
		}
	} else {
		for i := m.cur + 1; i <= b; i++ {
			m.counts[i%int64(len(m.counts))] = 0
		}
	}
	if b-m.cur >= int64(len(m.gapBuf)) {
		for i := range m.gapBuf {
			m.gapBuf[i] = gapBucket{}
		}
	} else {
		for i := m.cur + 1; i <= b; i++ {
			m.gapBuf[i%int64(len(m.gapBuf))] = gapBucket{}
		}
	}
	m.cur = b
}

// rateCollapsed сравнивает последнюю завершённую корзину со средним
// по предшествующему окну. Оценка начинается только после MinBuckets
// корзин истории и только если среднее выше шумового порога.
func (m *Monitor) rateCollapsed() bool {
	complete := m.cur // корзины 0..cur-1 завершены
	if complete < int64(m.cfg.MinBuckets) {
		return false
	}
	last := m.cur - 1
	window := int64(m.cfg.WindowBuckets)
	from := last - window
	if from < 0 {
		from = 0
	}
	n := last - from
	if n <= 0 {
		return false
	}
	var sum int
	for i := from; i < last; i++ {
		sum += m.counts[i%int64(len(m.counts))]
	}
	avg := float64(sum) / float64(n)
	if avg <= m.cfg.NoiseFloor {
		return false
	}
	return float64(m.counts[last%int64(len(m.counts))]) < m.cfg.CollapseFraction*avg
}

func (m *Monitor) gapRatioExceeded() bool {
	var recv, gaps int
	for _, g := range m.gapBuf {
		recv += g.received
		gaps += g.gaps
	}
	total := recv + gaps
	if total == 0 {
		return false
	}
	return float64(gaps)/float64(total) > m.cfg.GapRatio
}
