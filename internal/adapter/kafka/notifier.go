package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/config"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

const (
	messageKey = "reconciled"
	eventType  = "reconciled_replaced"
)

// Notifier publishes one message per reconciled table replacement.
// It implements pipeline.Notifier.
type Notifier struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewNotifier creates a Kafka producer for the configured notification topic.
func NewNotifier(cfg *config.Config, logger *slog.Logger) *Notifier {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	return &Notifier{writer: w, logger: logger}
}

// Notify publishes event. All events share one key so consumers see them in order.
func (n *Notifier) Notify(ctx context.Context, event domain.ReconciledEvent) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish reconciled event: %w", err)
	}
	n.logger.Debug("reconciled event published", "run_id", event.RunID, "topic", n.writer.Topic)
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// serializeToMessage marshals a ReconciledEvent into a Kafka message.
func serializeToMessage(event domain.ReconciledEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reconciled event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(messageKey),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "refreshed_at", Value: []byte(event.RefreshedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
