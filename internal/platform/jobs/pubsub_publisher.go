// Package jobs publishes notification tasks to external queues (Pub/Sub, Kafka) for out-of-process delivery.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/meditationastro/medinow-orders/internal/notifications"
)

// PubSubPublisher publishes notifications to a Pub/Sub topic whose push subscription targets
// /internal/notifications/deliver.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a publisher for topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishNotification enqueues n and returns the server-assigned message id.
func (p *PubSubPublisher) PublishNotification(ctx context.Context, n notifications.Notification) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	data, err := p.marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "notificationId", n.ID)
	setAttr(attrs, "kind", string(n.Kind))
	setAttr(attrs, "orderId", n.OrderID)

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

// Close flushes pending messages.
func (p *PubSubPublisher) Close() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
