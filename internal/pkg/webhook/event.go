// Package webhook decodes queued payment gateway notifications into typed events.
package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrMalformedEvent marks a payload that can never be processed. Such events are
// filed under the errors side table and are not retried.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is one validated gateway notification. It is never mutated after decoding.
type Event struct {
	// EventID is the queue handle the payload was stored under
	EventID string
	// Kind is the gateway notification type, kept for audit only
	Kind string
	// PaymentID correlates the event with Order.ExternalPaymentID
	PaymentID string
	// PaymentStatus is the normalized gateway status that drives the state mapping
	PaymentStatus string
	// Value is the optional payment amount
	Value *float64
	// ReceivedAt is when the event entered the queue
	ReceivedAt time.Time
	// RawPayment is the payment object exactly as the gateway sent it
	RawPayment json.RawMessage
}
