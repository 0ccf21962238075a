package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/ProtestDocs/app/models"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func createOrder(t *testing.T, repo OrderRepository, number, paymentID string, ps models.PaymentStatus, st models.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		OrderNumber:       number,
		ExternalPaymentID: &paymentID,
		PaymentStatus:     ps,
		Status:            st,
		Metadata:          datatypes.JSON(`{"source":"checkout"}`),
	}
	require.NoError(t, repo.Create(context.Background(), order))
	return order
}

func TestOrderRepository_FindByExternalPaymentID(t *testing.T) {
	repo := NewOrderRepository(setupTestDB(t))
	ctx := context.Background()

	created := createOrder(t, repo, "ORD-1", "pay_1", models.PaymentStatusPending, models.OrderStatusAwaitingPayment)

	found, err := repo.FindByExternalPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, models.OrderStatusAwaitingPayment, found.Status)

	_, err = repo.FindByExternalPaymentID(ctx, "pay_missing")
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	_, err = repo.FindByExternalPaymentID(ctx, "  ")
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestOrderRepository_ExternalPaymentIDIsUnique(t *testing.T) {
	repo := NewOrderRepository(setupTestDB(t))
	createOrder(t, repo, "ORD-1", "pay_1", models.PaymentStatusPending, models.OrderStatusAwaitingPayment)

	dup := "pay_1"
	err := repo.Create(context.Background(), &models.Order{OrderNumber: "ORD-2", ExternalPaymentID: &dup})
	assert.Error(t, err)
}

func TestOrderRepository_UpdateOrder(t *testing.T) {
	repo := NewOrderRepository(setupTestDB(t))
	ctx := context.Background()
	order := createOrder(t, repo, "ORD-1", "pay_1", models.PaymentStatusPending, models.OrderStatusAwaitingPayment)

	paidAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := repo.UpdateOrder(ctx, order.ID, StateOf(order), OrderUpdate{
		PaymentStatus: models.PaymentStatusCompleted,
		Status:        models.OrderStatusPaymentConfirmed,
		PaidAt:        &paidAt,
		Metadata:      datatypes.JSON(`{"source":"checkout","lastWebhook":{"event":"PAYMENT_CONFIRMED"}}`),
		UpdatedAt:     paidAt,
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, got.PaymentStatus)
	assert.Equal(t, models.OrderStatusPaymentConfirmed, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paidAt.Equal(got.PaidAt.UTC()))
	assert.Equal(t, "PAYMENT_CONFIRMED", got.LastWebhook().Event)
	assert.Contains(t, got.MetadataMap(), "source")
}

func TestOrderRepository_UpdateOrderKeepsFirstPaidAt(t *testing.T) {
	repo := NewOrderRepository(setupTestDB(t))
	ctx := context.Background()
	order := createOrder(t, repo, "ORD-1", "pay_1", models.PaymentStatusPending, models.OrderStatusAwaitingPayment)

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateOrder(ctx, order.ID, StateOf(order), OrderUpdate{
		PaymentStatus: models.PaymentStatusCompleted,
		Status:        models.OrderStatusPaymentConfirmed,
		PaidAt:        &first,
		UpdatedAt:     first,
	}))

	// refund and confirm again
	require.NoError(t, repo.UpdateOrder(ctx, order.ID,
		OrderState{PaymentStatus: models.PaymentStatusCompleted, Status: models.OrderStatusPaymentConfirmed},
		OrderUpdate{PaymentStatus: models.PaymentStatusRefunded, Status: models.OrderStatusCancelled, UpdatedAt: first.Add(time.Hour)}))

	second := first.Add(2 * time.Hour)
	require.NoError(t, repo.UpdateOrder(ctx, order.ID,
		OrderState{PaymentStatus: models.PaymentStatusRefunded, Status: models.OrderStatusCancelled},
		OrderUpdate{PaymentStatus: models.PaymentStatusCompleted, Status: models.OrderStatusPaymentConfirmed, PaidAt: &second, UpdatedAt: second}))

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PaidAt)
	assert.True(t, first.Equal(got.PaidAt.UTC()), "paid_at must keep the first confirmation, got %s", got.PaidAt)
}

func TestOrderRepository_UpdateOrderDetectsConcurrentChange(t *testing.T) {
	repo := NewOrderRepository(setupTestDB(t))
	ctx := context.Background()
	order := createOrder(t, repo, "ORD-1", "pay_1", models.PaymentStatusPending, models.OrderStatusAwaitingPayment)

	err := repo.UpdateOrder(ctx, order.ID,
		OrderState{PaymentStatus: models.PaymentStatusFailed, Status: models.OrderStatusPaymentRefused},
		OrderUpdate{PaymentStatus: models.PaymentStatusCompleted, Status: models.OrderStatusPaymentConfirmed, UpdatedAt: time.Now()})
	assert.True(t, errors.Is(err, ErrOrderChanged))

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, got.PaymentStatus)
	assert.Nil(t, got.PaidAt)
}

func TestOrderRepository_ApplyTransition(t *testing.T) {
	repo := NewOrderRepository(setupTestDB(t))
	ctx := context.Background()
	order := createOrder(t, repo, "ORD-1", "pay_1", models.PaymentStatusPending, models.OrderStatusAwaitingPayment)

	value := 49.9
	now := time.Now().UTC()
	err := repo.ApplyTransition(ctx, Transition{
		OrderID:  order.ID,
		Expected: StateOf(order),
		Update: OrderUpdate{
			PaymentStatus: models.PaymentStatusCompleted,
			Status:        models.OrderStatusPaymentConfirmed,
			PaidAt:        &now,
			UpdatedAt:     now,
		},
		History: &models.OrderHistory{
			PreviousStatus: models.OrderStatusAwaitingPayment,
			NewStatus:      models.OrderStatusPaymentConfirmed,
			Notes:          "payment confirmed",
			Metadata: datatypes.NewJSONType(models.OrderHistoryMetadata{Webhook: &models.WebhookHistoryDetails{
				Event:         "PAYMENT_CONFIRMED",
				PaymentID:     "pay_1",
				PaymentStatus: "CONFIRMED",
				Value:         &value,
				Origin:        models.HistoryOriginPaymentWebhook,
			}}),
		},
	})
	require.NoError(t, err)

	history, err := repo.ListHistory(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, order.ID, history[0].OrderID)
	assert.Nil(t, history[0].ChangedByID)
	assert.Equal(t, models.OrderStatusAwaitingPayment, history[0].PreviousStatus)
	assert.Equal(t, models.OrderStatusPaymentConfirmed, history[0].NewStatus)
	require.NotNil(t, history[0].Metadata.Data().Webhook)
	assert.Equal(t, models.HistoryOriginPaymentWebhook, history[0].Metadata.Data().Webhook.Origin)
}

func TestOrderRepository_ApplyTransitionRollsBackOnConflict(t *testing.T) {
	repo := NewOrderRepository(setupTestDB(t))
	ctx := context.Background()
	order := createOrder(t, repo, "ORD-1", "pay_1", models.PaymentStatusPending, models.OrderStatusAwaitingPayment)

	err := repo.ApplyTransition(ctx, Transition{
		OrderID:  order.ID,
		Expected: OrderState{PaymentStatus: models.PaymentStatusCompleted, Status: models.OrderStatusPaymentConfirmed},
		Update:   OrderUpdate{PaymentStatus: models.PaymentStatusRefunded, Status: models.OrderStatusCancelled, UpdatedAt: time.Now()},
		History:  &models.OrderHistory{PreviousStatus: models.OrderStatusPaymentConfirmed, NewStatus: models.OrderStatusCancelled},
	})
	assert.True(t, errors.Is(err, ErrOrderChanged))

	history, err := repo.ListHistory(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFactory_GetOrderRepository(t *testing.T) {
	f := NewFactory(setupTestDB(t))
	assert.NotNil(t, f.GetOrderRepository())
	assert.Same(t, f.GetRepositories(), f.GetRepositories())
}
