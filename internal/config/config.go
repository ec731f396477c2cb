// internal/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/market-stream/internal/cache"
	"github.com/YaganovValera/market-stream/internal/stream"
	inttel "github.com/YaganovValera/market-stream/internal/telemetry"
	"github.com/YaganovValera/market-stream/pkg/httpserver"
	"github.com/YaganovValera/market-stream/pkg/kafka/producer"
	"github.com/YaganovValera/market-stream/pkg/logger"
	"github.com/YaganovValera/market-stream/pkg/telemetry"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Logging   logger.Config     `mapstructure:"logging"`
	HTTP      httpserver.Config `mapstructure:"http"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`

	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Events EventsConfig `mapstructure:"events"`

	// Stream — общие параметры супервизора соединений для всех фидов.
	Stream stream.SupervisorConfig `mapstructure:"stream"`
	Feeds  []FeedConfig            `mapstructure:"feeds"`
}

// KafkaConfig — публикация payload-ов фидов и событий телеметрии.
type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Producer producer.Config `mapstructure:",squash"`
}

// RedisConfig — внешнее хранилище последних снапшотов.
type RedisConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	cache.Config `mapstructure:",squash"`
}

// EventsConfig — буферизация lifecycle-телеметрии и её Kafka-топик.
type EventsConfig struct {
	Emitter    inttel.Config `mapstructure:",squash"`
	KafkaTopic string        `mapstructure:"kafka_topic"`
}

// FeedConfig описывает один логический фид и его цепочку уровней.
type FeedConfig struct {
	ID         string `mapstructure:"id"`
	KafkaTopic string `mapstructure:"kafka_topic"`

	ValidationWindow time.Duration `mapstructure:"validation_window"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`

	Tiers []TierConfig `mapstructure:"tiers"`
}

// TierConfig — один уровень источника данных фида.
type TierConfig struct {
	Kind string `mapstructure:"kind"` // push_primary | push_backup | poll | cache
	Name string `mapstructure:"name"`

	// Push-уровни.
	URL      string   `mapstructure:"url"`
	Channels []string `mapstructure:"channels"`

	// Poll-уровень.
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollMaxInterval time.Duration `mapstructure:"poll_max_interval"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`

	// Кеш-уровень: жёсткий потолок возраста данных.
	MaxSnapshotAge time.Duration `mapstructure:"max_snapshot_age"`

	Scheduler stream.SchedulerConfig `mapstructure:"scheduler"`
	Breaker   stream.BreakerConfig   `mapstructure:"breaker"`
}

// ParseTierKind переводит конфиговое имя уровня в stream.TierKind.
func ParseTierKind(s string) (stream.TierKind, error) {
	switch strings.ToLower(s) {
	case "push_primary":
		return stream.TierPushPrimary, nil
	case "push_backup":
		return stream.TierPushBackup, nil
	case "poll":
		return stream.TierPoll, nil
	case "cache":
		return stream.TierCache, nil
	default:
		return 0, fmt.Errorf("unknown tier kind %q", s)
	}
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Если path пустой — читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "stream-core")
	v.SetDefault("service_version", "v1.0.0")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.timeout", "15s")
	v.SetDefault("kafka.compression", "none")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", "24h")

	// Events
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.batch_size", 64)
	v.SetDefault("events.flush_interval", "1s")
	v.SetDefault("events.kafka_topic", "stream.telemetry")

	// Stream supervisor
	v.SetDefault("stream.connect_timeout", "10s")
	v.SetDefault("stream.tick_interval", "5s")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("STREAMCORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Producer.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka.enabled")
		}
		if c.Events.KafkaTopic == "" {
			return fmt.Errorf("events.kafka_topic is required when kafka.enabled")
		}
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis.enabled")
	}

	// Feeds
	if len(c.Feeds) == 0 {
		return fmt.Errorf("feeds must contain at least one entry")
	}
	seen := make(map[string]struct{}, len(c.Feeds))
	for i := range c.Feeds {
		if err := c.validateFeed(&c.Feeds[i], seen); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateFeed(f *FeedConfig, seen map[string]struct{}) error {
	if f.ID == "" {
		return fmt.Errorf("feeds[].id is required")
	}
	if _, dup := seen[f.ID]; dup {
		return fmt.Errorf("feed %q: duplicate id", f.ID)
	}
	seen[f.ID] = struct{}{}

	if len(f.Tiers) == 0 {
		return fmt.Errorf("feed %q: tiers must contain at least one entry", f.ID)
	}
	if c.Kafka.Enabled && f.KafkaTopic == "" {
		return fmt.Errorf("feed %q: kafka_topic is required when kafka.enabled", f.ID)
	}
	for i, tier := range f.Tiers {
		kind, err := ParseTierKind(tier.Kind)
		if err != nil {
			return fmt.Errorf("feed %q: tier %d: %w", f.ID, i, err)
		}
		switch kind {
		case stream.TierPushPrimary, stream.TierPushBackup:
			if tier.URL == "" {
				return fmt.Errorf("feed %q: tier %d (%s): url is required", f.ID, i, tier.Kind)
			}
		case stream.TierPoll:
			if tier.URL == "" {
				return fmt.Errorf("feed %q: tier %d (poll): url is required", f.ID, i)
			}
		case stream.TierCache:
			if i != len(f.Tiers)-1 {
				return fmt.Errorf("feed %q: cache tier must be last", f.ID)
			}
		}
	}
	return nil
}
