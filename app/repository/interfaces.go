package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ProtestDocs/app/models"
)

var (
	// ErrOrderNotFound means no order carries the requested external payment id
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderChanged means a conditional update found the order in a different state than expected
	ErrOrderChanged = errors.New("order changed concurrently")
)

// OrderState is the (payment status, order status) pair a conditional update is guarded by
type OrderState struct {
	PaymentStatus models.PaymentStatus
	Status        models.OrderStatus
}

// StateOf returns the current state pair of an order
func StateOf(o *models.Order) OrderState {
	return OrderState{PaymentStatus: o.PaymentStatus, Status: o.Status}
}

// OrderUpdate holds the fields written by a payment transition.
// PaidAt is only written when the column is still empty.
type OrderUpdate struct {
	PaymentStatus models.PaymentStatus
	Status        models.OrderStatus
	PaidAt        *time.Time
	Metadata      datatypes.JSON
	UpdatedAt     time.Time
}

// Transition is one applied payment event: the guarded order update plus its audit row
type Transition struct {
	OrderID  uint
	Expected OrderState
	Update   OrderUpdate
	History  *models.OrderHistory
}

// OrderRepository defines the order operations used by the webhook reconciler
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id uint) (*models.Order, error)
	FindByExternalPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	UpdateOrder(ctx context.Context, orderID uint, expected OrderState, update OrderUpdate) error
	AppendHistory(ctx context.Context, history *models.OrderHistory) error
	ApplyTransition(ctx context.Context, tr Transition) error
	ListHistory(ctx context.Context, orderID uint) ([]models.OrderHistory, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Order OrderRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Order: NewOrderRepository(db),
	}
}
