package audit

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/authgate/internal/config"
	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/pkg/logger"
)

// KafkaProducer publishes audit events to a Kafka topic.
type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

// NewKafkaProducer creates a Recorder backed by a Kafka writer.
func NewKafkaProducer(cfg *config.AuditConfig, log logger.Logger) Recorder {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &KafkaProducer{
		writer: writer,
		logger: log.WithComponent("audit"),
	}
}

// Record sends an audit event to the Kafka topic. Events are keyed by chat id
// so one identity's trail stays ordered within a partition.
func (p *KafkaProducer) Record(ctx context.Context, event *models.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal audit event", err)
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.ChatID, 10)),
		Value: payload,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to write audit event to kafka", err,
			logger.Fields{"event_type": event.EventType, "chat_id": event.ChatID})
	}
}

// Close closes the underlying Kafka writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
