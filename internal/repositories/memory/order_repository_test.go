package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

func order(id, uid, email string, created time.Time) domain.Order {
	return domain.Order{
		ID:        id,
		UserID:    uid,
		Email:     email,
		Total:     decimal.RequireFromString("10.00"),
		Status:    domain.OrderStatusPending,
		Items:     []domain.OrderItem{{ID: "itm_" + id, ProductTitle: "x", Quantity: 1}},
		CreatedAt: created,
	}
}

func TestListScopesByUserOrEmail(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, order("a", "u1", "one@example.com", base)))
	require.NoError(t, repo.Insert(ctx, order("b", "", "ONE@example.com", base.Add(time.Hour))))
	require.NoError(t, repo.Insert(ctx, order("c", "u2", "two@example.com", base.Add(2*time.Hour))))

	mine, err := repo.List(ctx, repositories.OrderListFilter{UserID: "u1", Email: "one@example.com"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, "b", mine[0].ID, "newest first")

	all, err := repo.List(ctx, repositories.OrderListFilter{All: true})
	require.NoError(t, err)
	require.Len(t, all, 3)

	none, err := repo.List(ctx, repositories.OrderListFilter{})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestInsertRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	require.NoError(t, repo.Insert(ctx, order("a", "", "a@example.com", time.Now())))

	err := repo.Insert(ctx, order("a", "", "a@example.com", time.Now()))
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsConflict())
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	require.NoError(t, repo.Insert(ctx, order("a", "", "a@example.com", time.Now())))

	boom := errors.New("boom")
	_, err := repo.Update(ctx, "a", func(o *domain.Order) error {
		o.Status = domain.OrderStatusCancelled
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, stored.Status)

	updated, err := repo.Update(ctx, "a", func(o *domain.Order) error {
		o.Status = domain.OrderStatusConfirmed
		o.ProcessedEventIDs = append(o.ProcessedEventIDs, "evt_1")
		return nil
	})
	require.NoError(t, err)
	require.True(t, updated.HasProcessedEvent("evt_1"))
}

func TestReturnedOrdersAreCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	require.NoError(t, repo.Insert(ctx, order("a", "", "a@example.com", time.Now())))

	got, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	got.Items[0].ProductTitle = "mutated"

	again, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "x", again.Items[0].ProductTitle)
}

func TestDeleteAndNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	require.NoError(t, repo.Insert(ctx, order("a", "", "a@example.com", time.Now())))
	require.NoError(t, repo.Delete(ctx, "a"))

	var repoErr repositories.RepositoryError
	err := repo.Delete(ctx, "a")
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsNotFound())

	_, err = repo.FindByID(ctx, "a")
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsNotFound())

	_, err = repo.Update(ctx, "a", func(*domain.Order) error { return nil })
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsNotFound())
}
