// internal/cache/redis.go
//
// Redis-хранилище последних снапшотов фидов. Кеш-уровень читает отсюда
// после рестарта процесса, активные уровни пишут best-effort.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/internal/stream"
	"github.com/YaganovValera/market-stream/pkg/backoff"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

var tracer = otel.Tracer("streamcore/cache/redis")

// Config — подключение к Redis.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// KeyPrefix позволяет нескольким инстансам делить один Redis.
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "streamcore:snapshot"
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// RedisStore реализует stream.SnapshotStore поверх go-redis.
type RedisStore struct {
	cli *redis.Client
	cfg Config
	log *logger.Logger
}

// NewRedisStore подключается к Redis с ретраями и проверяет ping.
func NewRedisStore(ctx context.Context, cfg Config, log *logger.Logger) (*RedisStore, error) {
	cfg.applyDefaults()
	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	err := backoff.Execute(ctx, backoff.Config{MaxElapsedTime: 30 * time.Second}, log.Named("redis-connect"),
		func(ctx context.Context) error { return cli.Ping(ctx).Err() })
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	log.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisStore{cli: cli, cfg: cfg, log: log}, nil
}

func (s *RedisStore) key(feedID string) string {
	return s.cfg.KeyPrefix + ":" + feedID
}

// Save сериализует снапшот в JSON и кладёт с TTL.
func (s *RedisStore) Save(ctx context.Context, snap stream.DataSnapshot) error {
	ctx, span := tracer.Start(ctx, "Redis.Save")
	defer span.End()

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.FeedID, err)
	}
	if err := s.cli.Set(ctx, s.key(snap.FeedID), raw, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", snap.FeedID, err)
	}
	return nil
}

// Load возвращает stream.ErrNoSnapshot, если ключа нет или он истёк.
func (s *RedisStore) Load(ctx context.Context, feedID string) (stream.DataSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Redis.Load")
	defer span.End()

	raw, err := s.cli.Get(ctx, s.key(feedID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return stream.DataSnapshot{}, stream.ErrNoSnapshot
	case err != nil:
		return stream.DataSnapshot{}, fmt.Errorf("redis: get %s: %w", feedID, err)
	}
	var snap stream.DataSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return stream.DataSnapshot{}, fmt.Errorf("redis: unmarshal %s: %w", feedID, err)
	}
	return snap, nil
}

// Ping пробрасывается в readiness-проверку HTTP-сервера.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}
