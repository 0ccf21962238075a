package models

import (
	"time"

	"gorm.io/datatypes"
)

// HistoryOriginPaymentWebhook tags history rows written by the webhook reconciler
const HistoryOriginPaymentWebhook = "payment_webhook"

// WebhookHistoryDetails describes the gateway event behind a history row
type WebhookHistoryDetails struct {
	Event         string   `json:"event"`
	PaymentID     string   `json:"paymentId"`
	PaymentStatus string   `json:"paymentStatus"`
	Value         *float64 `json:"value,omitempty"`
	Origin        string   `json:"origin"`
}

// OrderHistoryMetadata is the JSON document stored with each history row
type OrderHistoryMetadata struct {
	Webhook *WebhookHistoryDetails `json:"webhook,omitempty"`
}

// OrderHistory is the append-only audit log of order status transitions.
// Rows are never updated or deleted.
type OrderHistory struct {
	ID             uint                                     `gorm:"primaryKey" json:"id"`
	OrderID        uint                                     `gorm:"not null;index:idx_order_histories_order" json:"order_id"`
	PreviousStatus OrderStatus                              `gorm:"type:varchar(32);not null" json:"previous_status"`
	NewStatus      OrderStatus                              `gorm:"type:varchar(32);not null" json:"new_status"`
	ChangedByID    *uint                                    `gorm:"index" json:"changed_by_id,omitempty"`
	Notes          string                                   `gorm:"type:text" json:"notes"`
	Metadata       datatypes.JSONType[OrderHistoryMetadata] `gorm:"type:json" json:"metadata"`
	CreatedAt      time.Time                                `gorm:"autoCreateTime;index" json:"created_at"`
}

func (OrderHistory) TableName() string { return "order_histories" }
