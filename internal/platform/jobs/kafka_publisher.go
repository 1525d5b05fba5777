package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/meditationastro/medinow-orders/internal/notifications"
)

// KafkaConfig describes the broker connection.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	Username string
	Password string
}

type kafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher produces notifications keyed by order id so that all tasks for one order land on
// the same partition.
type KafkaPublisher struct {
	client kafkaProducer
	topic  string
	clock  func() time.Time
}

// NewKafkaPublisher dials the brokers in cfg.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.Username, Pass: cfg.Password}.AsMechanism()))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: create client: %w", err)
	}
	return newKafkaPublisher(client, cfg.Topic), nil
}

func newKafkaPublisher(client kafkaProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic, clock: time.Now}
}

// PublishNotification produces n and waits for the broker ack. The returned id is partition/offset.
func (p *KafkaPublisher) PublishNotification(ctx context.Context, n notifications.Notification) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("kafka publisher: not initialised")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(n.OrderID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "notification_id", Value: []byte(n.ID)},
		},
		Timestamp: p.clock(),
	}
	produced, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		return "", fmt.Errorf("produce notification: %w", err)
	}
	return fmt.Sprintf("%d/%d", produced.Partition, produced.Offset), nil
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() {
	if p != nil && p.client != nil {
		p.client.Close()
	}
}
