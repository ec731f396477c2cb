// internal/app/app.go
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/market-stream/internal/cache"
	"github.com/YaganovValera/market-stream/internal/config"
	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/stream"
	inttel "github.com/YaganovValera/market-stream/internal/telemetry"
	"github.com/YaganovValera/market-stream/internal/transport/poll"
	"github.com/YaganovValera/market-stream/internal/transport/ws"
	"github.com/YaganovValera/market-stream/pkg/httpserver"
	"github.com/YaganovValera/market-stream/pkg/kafka"
	producer "github.com/YaganovValera/market-stream/pkg/kafka/producer"
	"github.com/YaganovValera/market-stream/pkg/logger"
	"github.com/YaganovValera/market-stream/pkg/serviceid"
	"github.com/YaganovValera/market-stream/pkg/telemetry"
)

// Run собирает сервис и блокируется до отмены контекста.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	serviceid.InitServiceName(cfg.ServiceName)
	metrics.Register(nil)

	// Трассировка
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)

	// Kafka producer: payload-ы фидов и события телеметрии.
	var kafkaProd kafka.Producer
	if cfg.Kafka.Enabled {
		kafkaProd, err = producer.New(ctx, cfg.Kafka.Producer, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdownSafe(ctx, "kafka-producer", kafkaProd.Close, log)
	}

	// Хранилище снапшотов: Redis либо процессная память.
	var store stream.SnapshotStore
	var redisStore *cache.RedisStore
	if cfg.Redis.Enabled {
		redisStore, err = cache.NewRedisStore(ctx, cfg.Redis.Config, log.Named("cache"))
		if err != nil {
			return fmt.Errorf("redis store init: %w", err)
		}
		defer shutdownSafe(ctx, "redis", redisStore.Close, log)
		store = redisStore
	} else {
		store = cache.NewMemoryStore()
	}

	// Эмиттер телеметрии: всегда в лог, при включённой Kafka — ещё и в топик.
	writers := []inttel.Writer{inttel.NewZapWriter(log.Named("events"))}
	if kafkaProd != nil {
		kw, err := inttel.NewKafkaWriter(kafkaProd, cfg.Events.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka telemetry writer: %w", err)
		}
		writers = append(writers, kw)
	}
	emitter := inttel.NewEmitter(cfg.Events.Emitter, log.Named("emitter"), writers...)

	facade := stream.NewFacade(store, emitter, log)
	defer facade.Close()

	// Подписываем фиды из конфига.
	for i := range cfg.Feeds {
		feed := &cfg.Feeds[i]
		ctrlCfg, err := buildControllerConfig(cfg, feed, log)
		if err != nil {
			return fmt.Errorf("feed %q: %w", feed.ID, err)
		}
		onData := feedPublisher(ctx, feed, kafkaProd, log)
		if _, err := facade.Subscribe(ctx, ctrlCfg, onData, nil); err != nil {
			return fmt.Errorf("subscribe feed %q: %w", feed.ID, err)
		}
	}

	// HTTP: metrics/healthz/readyz + операционный срез фидов.
	readiness := func() error {
		if kafkaProd != nil {
			if err := kafkaProd.Ping(ctx); err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
		}
		if redisStore != nil {
			if err := redisStore.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
	httpSrv, err := httpserver.New(cfg.HTTP, readiness, log, httpserver.Route{
		Pattern: "/feeds",
		Handler: feedsHandler(facade),
	})
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	g.Go(func() error { return emitter.Run(ctx) })
	g.Go(func() error {
		facade.RunGauges(ctx, cfg.Stream.TickInterval)
		return ctx.Err()
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("stream-core stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// buildControllerConfig переводит конфиг фида в ControllerConfig с живыми
// адаптерами транспорта.
func buildControllerConfig(cfg *config.Config, feed *config.FeedConfig, log *logger.Logger) (stream.ControllerConfig, error) {
	out := stream.ControllerConfig{
		FeedID:           feed.ID,
		Supervisor:       cfg.Stream,
		ValidationWindow: feed.ValidationWindow,
		ProbeInterval:    feed.ProbeInterval,
	}
	for i, tc := range feed.Tiers {
		kind, err := config.ParseTierKind(tc.Kind)
		if err != nil {
			return out, fmt.Errorf("tier %d: %w", i, err)
		}
		spec := stream.TierSpec{
			Kind:            kind,
			Name:            tc.Name,
			PollInterval:    tc.PollInterval,
			PollMaxInterval: tc.PollMaxInterval,
			PollTimeout:     tc.PollTimeout,
			MaxSnapshotAge:  tc.MaxSnapshotAge,
			Scheduler:       tc.Scheduler,
			Breaker:         tc.Breaker,
		}
		switch kind {
		case stream.TierPushPrimary, stream.TierPushBackup:
			adapter, err := ws.New(ws.Config{
				URL:            tc.URL,
				Channels:       tc.Channels,
				ConnectTimeout: cfg.Stream.ConnectTimeout,
			}, log.Named("ws"))
			if err != nil {
				return out, fmt.Errorf("tier %d: ws adapter: %w", i, err)
			}
			spec.Adapter = adapter
		case stream.TierPoll:
			client, err := poll.New(poll.Config{
				URL:          tc.URL,
				FetchTimeout: tc.PollTimeout,
			}, log.Named("poll"))
			if err != nil {
				return out, fmt.Errorf("tier %d: poll client: %w", i, err)
			}
			spec.Poller = client
		}
		out.Tiers = append(out.Tiers, spec)
	}
	return out, nil
}

// feedPublisher отдаёт payload-ы фида в Kafka. Ошибка публикации не
// останавливает поток: данные для UI важнее полноты пайплайна.
func feedPublisher(ctx context.Context, feed *config.FeedConfig, prod kafka.Producer, log *logger.Logger) func(stream.DataSnapshot) {
	if prod == nil {
		return nil
	}
	topic := feed.KafkaTopic
	return func(snap stream.DataSnapshot) {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := prod.Publish(pctx, topic, []byte(snap.FeedID), snap.Payload); err != nil {
			metrics.PublishErrors.WithLabelValues(snap.FeedID).Inc()
			log.WithContext(pctx).Error("feed publish failed",
				zap.String("feed", snap.FeedID), zap.Error(err))
		}
	}
}

// feedsHandler отдаёт health-срезы всех фидов вместе с вердиктом свежести.
func feedsHandler(f *stream.Facade) http.HandlerFunc {
	type feedStatus struct {
		stream.Health
		Staleness *stream.StalenessVerdict `json:"staleness,omitempty"`
		AgeMs     int64                    `json:"age_ms,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		feeds := f.Feeds()
		out := make([]feedStatus, 0, len(feeds))
		for _, h := range feeds {
			st := feedStatus{Health: h}
			if snap, verdict, err := f.Snapshot(h.FeedID); err == nil {
				v := verdict
				st.Staleness = &v
				st.AgeMs = time.Since(snap.ReceivedAt).Milliseconds()
			}
			out = append(out, st)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// shutdownSafe оборачивает Close()/Shutdown() с логированием.
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
