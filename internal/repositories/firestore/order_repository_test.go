package firestore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
)

func TestOrderDocumentRoundTripKeepsMoneyExact(t *testing.T) {
	paidAt := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:              "ord_1",
		UserID:          "uid-1",
		FullName:        "Ada",
		Email:           "Ada@Example.com",
		Currency:        "USD",
		Total:           decimal.RequireFromString("64.97"),
		Status:          domain.OrderStatusConfirmed,
		PaymentProvider: domain.PaymentProviderStripe,
		PaymentStatus:   domain.PaymentStatusPaid,
		PaidAt:          &paidAt,
		Items: []domain.OrderItem{{
			ID:           "itm_1",
			ProductTitle: "Bowl",
			UnitPrice:    decimal.RequireFromString("19.99"),
			Quantity:     3,
			LineTotal:    decimal.RequireFromString("59.97"),
		}},
		ProcessedEventIDs: []string{"evt_1"},
	}

	doc := encodeOrder(order)
	if doc.EmailLower != "ada@example.com" {
		t.Fatalf("expected lowered email, got %q", doc.EmailLower)
	}
	if doc.TotalMinor != 6497 || doc.Total != "64.97" {
		t.Fatalf("unexpected total encoding %q/%d", doc.Total, doc.TotalMinor)
	}

	decoded, err := decodeOrder("ord_1", doc)
	if err != nil {
		t.Fatalf("decodeOrder: %v", err)
	}
	if !decoded.Total.Equal(order.Total) || !decoded.Items[0].LineTotal.Equal(order.Items[0].LineTotal) {
		t.Fatalf("money changed in round trip: %+v", decoded)
	}
	if !decoded.HasProcessedEvent("evt_1") || decoded.PaidAt == nil || !decoded.PaidAt.Equal(paidAt) {
		t.Fatalf("unexpected decoded order %+v", decoded)
	}
}

func TestDecodeOrderRejectsCorruptMoney(t *testing.T) {
	if _, err := decodeOrder("ord_x", orderDocument{Total: "n/a"}); err == nil {
		t.Fatalf("expected decode error")
	}
}
