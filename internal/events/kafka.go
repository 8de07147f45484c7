package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	BatchTimeout time.Duration
}

type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	log    *zap.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, log *zap.Logger) *KafkaPublisher {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            attempts,
		BatchTimeout:           batchTimeout,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
	log.Info("kafka publisher created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return &KafkaPublisher{writer: writer, topic: cfg.Topic, log: log}
}

// Publish keys every message by aggregate so one referral or user stays on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		headers := []kafka.Header{
			{Key: "event_id", Value: []byte(msg.ID)},
			{Key: "event_type", Value: []byte(msg.Type)},
		}
		for k, v := range msg.Metadata {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		out = append(out, kafka.Message{
			Topic:   p.topic,
			Key:     []byte(msg.Key),
			Value:   msg.Payload,
			Headers: headers,
			Time:    msg.CreatedAt,
		})
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		p.log.Error("failed to write kafka messages",
			zap.String("topic", p.topic),
			zap.Int("count", len(out)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher stands in for the broker when none is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		var payload map[string]any
		_ = json.Unmarshal(msg.Payload, &payload)
		p.log.Info("event",
			zap.String("event_id", msg.ID),
			zap.String("event_type", msg.Type),
			zap.String("key", strings.TrimSpace(msg.Key)),
			zap.Any("payload", payload),
		)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }
