package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/ProtestDocs/app/models"
)

// orderRepository implements the OrderRepository interface
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create creates a new order in the database
func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

// GetByID retrieves an order by its ID
func (r *orderRepository) GetByID(ctx context.Context, id uint) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindByExternalPaymentID retrieves the order linked to a gateway payment id
func (r *orderRepository) FindByExternalPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, ErrOrderNotFound
	}

	var order models.Order
	err := r.db.WithContext(ctx).Where("external_payment_id = ?", paymentID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrOrderNotFound, paymentID)
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrder writes a payment transition to a single row, guarded by the state the
// caller read. It returns ErrOrderChanged when the row no longer matches.
func (r *orderRepository) UpdateOrder(ctx context.Context, orderID uint, expected OrderState, update OrderUpdate) error {
	fields := map[string]interface{}{
		"payment_status": update.PaymentStatus,
		"status":         update.Status,
		"updated_at":     update.UpdatedAt,
	}
	if update.Metadata != nil {
		fields["metadata"] = update.Metadata
	}
	if update.PaidAt != nil {
		// paid_at is set once and never overwritten
		fields["paid_at"] = gorm.Expr("COALESCE(paid_at, ?)", *update.PaidAt)
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status = ? AND status = ?", orderID, expected.PaymentStatus, expected.Status).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update order %d: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %d is no longer %s/%s", ErrOrderChanged, orderID, expected.PaymentStatus, expected.Status)
	}
	return nil
}

// AppendHistory inserts an audit row. History rows are never updated.
func (r *orderRepository) AppendHistory(ctx context.Context, history *models.OrderHistory) error {
	if history == nil {
		return errors.New("history entry is nil")
	}
	if err := r.db.WithContext(ctx).Create(history).Error; err != nil {
		return fmt.Errorf("failed to append history for order %d: %w", history.OrderID, err)
	}
	return nil
}

// ApplyTransition updates the order and appends its history row in one transaction
func (r *orderRepository) ApplyTransition(ctx context.Context, tr Transition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := &orderRepository{db: tx}
		if err := txRepo.UpdateOrder(ctx, tr.OrderID, tr.Expected, tr.Update); err != nil {
			return err
		}
		if tr.History == nil {
			return nil
		}
		tr.History.OrderID = tr.OrderID
		return txRepo.AppendHistory(ctx, tr.History)
	})
}

// ListHistory returns the audit trail of an order in apply order
func (r *orderRepository) ListHistory(ctx context.Context, orderID uint) ([]models.OrderHistory, error) {
	var rows []models.OrderHistory
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
