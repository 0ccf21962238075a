// Package paymentstatus maps payment gateway statuses onto the internal
// (payment status, order status) pair.
package paymentstatus

import (
	"strings"

	"github.com/ManuelReschke/ProtestDocs/app/models"
)

// Gateway statuses recognized by Map
const (
	GatewayReceived  = "RECEIVED"
	GatewayConfirmed = "CONFIRMED"
	GatewayPending   = "PENDING"
	GatewayOverdue   = "OVERDUE"
	GatewayRefunded  = "REFUNDED"
)

// Result is the target state of an order. Both fields always change together.
type Result struct {
	PaymentStatus models.PaymentStatus
	OrderStatus   models.OrderStatus
}

// Matches reports whether the order already is in the target state.
func (r Result) Matches(o *models.Order) bool {
	return o != nil && o.PaymentStatus == r.PaymentStatus && o.Status == r.OrderStatus
}

// Map returns the target state for a gateway status. ok is false for any status
// it does not recognize, in which case the order must be left unchanged.
func Map(gatewayStatus string) (Result, bool) {
	switch Normalize(gatewayStatus) {
	case GatewayReceived, GatewayConfirmed:
		return Result{PaymentStatus: models.PaymentStatusCompleted, OrderStatus: models.OrderStatusPaymentConfirmed}, true
	case GatewayPending:
		return Result{PaymentStatus: models.PaymentStatusPending, OrderStatus: models.OrderStatusAwaitingPayment}, true
	case GatewayOverdue:
		return Result{PaymentStatus: models.PaymentStatusFailed, OrderStatus: models.OrderStatusPaymentRefused}, true
	case GatewayRefunded:
		return Result{PaymentStatus: models.PaymentStatusRefunded, OrderStatus: models.OrderStatusCancelled}, true
	default:
		return Result{}, false
	}
}

// Normalize trims and upper-cases a gateway status.
func Normalize(gatewayStatus string) string {
	return strings.ToUpper(strings.TrimSpace(gatewayStatus))
}

// Known lists the gateway statuses Map recognizes.
func Known() []string {
	return []string{GatewayReceived, GatewayConfirmed, GatewayPending, GatewayOverdue, GatewayRefunded}
}
