package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// PaymentStatus is the internal payment state of an order
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// OrderStatus is the order lifecycle state
type OrderStatus string

const (
	OrderStatusAwaitingPayment  OrderStatus = "AWAITING_PAYMENT"
	OrderStatusPaymentConfirmed OrderStatus = "PAYMENT_CONFIRMED"
	OrderStatusPaymentRefused   OrderStatus = "PAYMENT_REFUSED"
	OrderStatusCancelled        OrderStatus = "CANCELLED"

	// Fulfillment states, owned by the document pipeline.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
)

// MetadataKeyLastWebhook holds the most recently applied gateway notification
const MetadataKeyLastWebhook = "lastWebhook"

// Order is a document request placed by a customer and paid through the payment gateway
type Order struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	OrderNumber       string         `gorm:"type:varchar(50);not null;uniqueIndex:ux_orders_order_number" json:"order_number"`
	ExternalPaymentID *string        `gorm:"type:varchar(191);uniqueIndex:ux_orders_external_payment_id" json:"external_payment_id,omitempty"`
	PaymentStatus     PaymentStatus  `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"payment_status"`
	Status            OrderStatus    `gorm:"type:varchar(32);not null;default:'AWAITING_PAYMENT';index" json:"status"`
	PaidAt            *time.Time     `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	Metadata          datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// LastWebhook is the debugging snapshot stored under metadata.lastWebhook
type LastWebhook struct {
	Event       string          `json:"event"`
	Payment     json.RawMessage `json:"payment"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	ProcessedAt time.Time       `json:"processedAt"`
}

// MetadataMap decodes the metadata column. Empty or non-object metadata yields an empty map.
func (o *Order) MetadataMap() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if len(o.Metadata) == 0 {
		return out
	}
	if err := json.Unmarshal(o.Metadata, &out); err != nil || out == nil {
		return map[string]json.RawMessage{}
	}
	return out
}

// MergedMetadata returns the order metadata with key replaced by value, all other keys kept.
func (o *Order) MergedMetadata(key string, value interface{}) (datatypes.JSON, error) {
	m := o.MetadataMap()
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata %q: %w", key, err)
	}
	m[key] = raw
	merged, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return datatypes.JSON(merged), nil
}

// LastWebhook returns the stored snapshot, nil when none was recorded yet.
func (o *Order) LastWebhook() *LastWebhook {
	raw, ok := o.MetadataMap()[MetadataKeyLastWebhook]
	if !ok {
		return nil
	}
	var lw LastWebhook
	if err := json.Unmarshal(raw, &lw); err != nil {
		return nil
	}
	return &lw
}
