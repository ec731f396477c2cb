// internal/telemetry/sinks.go
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/pkg/kafka"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// -----------------------------------------------------------------------------
// Zap writer
// -----------------------------------------------------------------------------

// ZapWriter пишет события в структурный лог. Всегда доступен,
// служит минимальным sink-ом даже без внешней шины.
type ZapWriter struct {
	log *logger.Logger
}

func NewZapWriter(log *logger.Logger) *ZapWriter {
	return &ZapWriter{log: log.Named("lifecycle")}
}

func (w *ZapWriter) Write(_ context.Context, batch []Event) error {
	for _, ev := range batch {
		fields := make([]zap.Field, 0, 3+len(ev.Attributes))
		fields = append(fields,
			zap.String("stream", ev.Stream),
			zap.String("event", ev.Event),
			zap.Time("at", ev.TimestampUTC),
		)
		for k, v := range ev.Attributes {
			fields = append(fields, zap.String(k, v))
		}
		w.log.Info("lifecycle event", fields...)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Kafka writer
// -----------------------------------------------------------------------------

// KafkaWriter публикует события JSON-ом в append-only топик.
// Подтверждения от потребителей не требуются.
type KafkaWriter struct {
	prod  kafka.Producer
	topic string
}

func NewKafkaWriter(prod kafka.Producer, topic string) (*KafkaWriter, error) {
	if topic == "" {
		return nil, fmt.Errorf("telemetry: kafka topic is required")
	}
	return &KafkaWriter{prod: prod, topic: topic}, nil
}

func (w *KafkaWriter) Write(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("telemetry: marshal event: %w", err)
		}
		if err := w.prod.Publish(ctx, w.topic, []byte(ev.Stream), payload); err != nil {
			return fmt.Errorf("telemetry: publish: %w", err)
		}
	}
	return nil
}
