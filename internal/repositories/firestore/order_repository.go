// Package firestore implements repository contracts on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	pfirestore "github.com/meditationastro/medinow-orders/internal/platform/firestore"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

const (
	orderCollection = "orders"
	// listPageSize is the number of documents read per round trip while listing.
	listPageSize    = 500
	updateTxTimeout = 10 * time.Second
)

// OrderRepository stores each order as one document with its items embedded, so creation is a
// single atomic write.
type OrderRepository struct {
	provider *pfirestore.Provider
	pageSize int
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider, pageSize: listPageSize}, nil
}

type orderDocument struct {
	UserID            string              `firestore:"userId,omitempty"`
	FullName          string              `firestore:"fullName"`
	Email             string              `firestore:"email"`
	EmailLower        string              `firestore:"emailLower"`
	Phone             string              `firestore:"phone,omitempty"`
	Notes             string              `firestore:"notes,omitempty"`
	Currency          string              `firestore:"currency"`
	Total             string              `firestore:"total"`
	TotalMinor        int64               `firestore:"totalMinor"`
	Status            string              `firestore:"status"`
	PaymentProvider   string              `firestore:"paymentProvider"`
	PaymentStatus     string              `firestore:"paymentStatus"`
	StripeSessionID   string              `firestore:"stripeSessionId,omitempty"`
	PaidAt            *time.Time          `firestore:"paidAt"`
	Items             []orderItemDocument `firestore:"items"`
	ProcessedEventIDs []string            `firestore:"processedEventIds"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ID           string `firestore:"id"`
	ProductID    string `firestore:"productId,omitempty"`
	ProductTitle string `firestore:"productTitle"`
	VersionTitle string `firestore:"versionTitle,omitempty"`
	UnitPrice    string `firestore:"unitPrice"`
	Quantity     int64  `firestore:"quantity"`
	LineTotal    string `firestore:"lineTotal"`
}

// Insert creates the order document; an existing id yields a conflict error.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	_, err = client.Collection(orderCollection).Doc(id).Create(ctx, encodeOrder(order))
	return pfirestore.WrapError("orders.insert", err)
}

// FindByID loads one order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	snap, err := client.Collection(orderCollection).Doc(orderID).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeSnapshot(snap)
}

// List runs one query for admins, or a userId query and an emailLower query merged in memory for
// everyone else. Every query is read newest first in pages until exhausted. The scoped queries
// need composite indexes on (userId, createdAt desc) and (emailLower, createdAt desc).
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.list", err)
	}
	col := client.Collection(orderCollection)

	var queries []firestore.Query
	switch {
	case filter.All:
		queries = append(queries, col.Query)
	default:
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			queries = append(queries, col.Where("userId", "==", uid))
		}
		if email := strings.ToLower(strings.TrimSpace(filter.Email)); email != "" {
			queries = append(queries, col.Where("emailLower", "==", email))
		}
	}

	seen := make(map[string]struct{})
	var orders []domain.Order
	for _, q := range queries {
		err := r.eachDocument(ctx, q.OrderBy("createdAt", firestore.Desc), func(snap *firestore.DocumentSnapshot) error {
			if _, dup := seen[snap.Ref.ID]; dup {
				return nil
			}
			seen[snap.Ref.ID] = struct{}{}
			order, err := decodeSnapshot(snap)
			if err != nil {
				return err
			}
			orders = append(orders, order)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// eachDocument pages through q with a cursor on the last snapshot of each page.
func (r *OrderRepository) eachDocument(ctx context.Context, q firestore.Query, fn func(*firestore.DocumentSnapshot) error) error {
	size := r.pageSize
	if size <= 0 {
		size = listPageSize
	}
	var cursor *firestore.DocumentSnapshot
	for {
		page := q.Limit(size)
		if cursor != nil {
			page = page.StartAfter(cursor)
		}
		snaps, err := page.Documents(ctx).GetAll()
		if err != nil {
			return pfirestore.WrapError("orders.list", err)
		}
		for _, snap := range snaps {
			if err := fn(snap); err != nil {
				return err
			}
		}
		if len(snaps) < size {
			return nil
		}
		cursor = snaps[len(snaps)-1]
	}
}

// Update applies mutate inside a transaction.
func (r *OrderRepository) Update(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	ref := client.Collection(orderCollection).Doc(orderID)

	var updated domain.Order
	err = pfirestore.RunTransaction(ctx, client, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		order, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		if err := mutate(&order); err != nil {
			return err
		}
		order.ID = orderID
		updated = order
		return tx.Set(ref, encodeOrder(order))
	}, pfirestore.WithTxTimeout(updateTxTimeout))
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// Delete removes the order; a missing order yields a not-found error.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("orders.delete", err)
	}
	_, err = client.Collection(orderCollection).Doc(orderID).Delete(ctx, firestore.Exists)
	return pfirestore.WrapError("orders.delete", err)
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ID:           item.ID,
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			VersionTitle: item.VersionTitle,
			UnitPrice:    item.UnitPrice.String(),
			Quantity:     item.Quantity,
			LineTotal:    item.LineTotal.StringFixed(2),
		})
	}
	var paidAt *time.Time
	if order.PaidAt != nil {
		t := order.PaidAt.UTC()
		paidAt = &t
	}
	return orderDocument{
		UserID:            order.UserID,
		FullName:          order.FullName,
		Email:             order.Email,
		EmailLower:        strings.ToLower(strings.TrimSpace(order.Email)),
		Phone:             order.Phone,
		Notes:             order.Notes,
		Currency:          order.Currency,
		Total:             order.Total.StringFixed(2),
		TotalMinor:        domain.MinorUnits(order.Total),
		Status:            string(order.Status),
		PaymentProvider:   string(order.PaymentProvider),
		PaymentStatus:     string(order.PaymentStatus),
		StripeSessionID:   order.StripeSessionID,
		PaidAt:            paidAt,
		Items:             items,
		ProcessedEventIDs: append([]string{}, order.ProcessedEventIDs...),
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("order repository: decode %s: %w", snap.Ref.ID, err)
	}
	return decodeOrder(snap.Ref.ID, doc)
}

func decodeOrder(id string, doc orderDocument) (domain.Order, error) {
	total, err := decimal.NewFromString(doc.Total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order repository: decode %s total: %w", id, err)
	}
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		unit, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order repository: decode %s item %s: %w", id, item.ID, err)
		}
		line, err := decimal.NewFromString(item.LineTotal)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order repository: decode %s item %s: %w", id, item.ID, err)
		}
		items = append(items, domain.OrderItem{
			ID:           item.ID,
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			VersionTitle: item.VersionTitle,
			UnitPrice:    unit,
			Quantity:     item.Quantity,
			LineTotal:    line,
		})
	}
	return domain.Order{
		ID:                id,
		UserID:            doc.UserID,
		FullName:          doc.FullName,
		Email:             doc.Email,
		Phone:             doc.Phone,
		Notes:             doc.Notes,
		Currency:          doc.Currency,
		Total:             total,
		Status:            domain.OrderStatus(doc.Status),
		PaymentProvider:   domain.PaymentProvider(doc.PaymentProvider),
		PaymentStatus:     domain.PaymentStatus(doc.PaymentStatus),
		StripeSessionID:   doc.StripeSessionID,
		PaidAt:            doc.PaidAt,
		Items:             items,
		ProcessedEventIDs: doc.ProcessedEventIDs,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}
