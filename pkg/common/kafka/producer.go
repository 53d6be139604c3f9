package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medichain/platform/pkg/common/config"
	"github.com/medichain/platform/pkg/common/logger"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(topic string) *Producer {
	cfg := config.Load()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

// PublishAudit mirrors an audit event onto the stream, keyed by patient so a
// patient's events stay in partition order.
func (p *Producer) PublishAudit(ctx context.Context, event models.AuditEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.PatientID),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event-kind", Value: []byte(event.Kind)},
			{Key: "actor-id", Value: []byte(event.ActorID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_kind": event.Kind,
		}).Error("Failed to publish audit event")
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_kind": event.Kind,
		"topic":      p.writer.Topic,
	}).Debug("Audit event published")

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
