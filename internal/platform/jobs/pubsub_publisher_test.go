package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meditationastro/medinow-orders/internal/notifications"
)

func TestPubSubPublisherPublishesNotification(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-notifications")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	defer publisher.Close()

	msg := notifications.Notification{
		ID:        "ntf_1",
		Kind:      notifications.KindOrderPaidCustomer,
		Recipient: "buyer@example.com",
		OrderID:   "ord_1",
		QueuedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishNotification(ctx, msg); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload notifications.Notification
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.Recipient != "buyer@example.com" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["kind"]; attr != string(notifications.KindOrderPaidCustomer) {
		t.Fatalf("expected kind attribute, got %q", attr)
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
