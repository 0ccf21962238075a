package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/ProtestDocs/internal/pkg/paymentstatus"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names in validation errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type rawEnvelope struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	Payment    json.RawMessage `json:"payment"`
	ReceivedAt json.RawMessage `json:"receivedAt"`
}

type rawPayment struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value"`
}

type validatedPayment struct {
	ID     string `json:"id" validate:"required,max=191"`
	Status string `json:"status" validate:"required,max=64"`
}

// Decode parses a raw queued payload stored under eventID. Every failure wraps
// ErrMalformedEvent; Decode never panics on arbitrary input.
func Decode(eventID string, raw []byte) (*Event, error) {
	handle := strings.TrimSpace(eventID)
	if handle == "" {
		return nil, fmt.Errorf("%w: empty event id", ErrMalformedEvent)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}

	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformedEvent, err)
	}
	if bodyID := strings.TrimSpace(env.ID); bodyID != "" && bodyID != handle {
		return nil, fmt.Errorf("%w: payload id %q does not match event id %q", ErrMalformedEvent, bodyID, handle)
	}

	payment := bytes.TrimSpace(env.Payment)
	if len(payment) == 0 || bytes.Equal(payment, []byte("null")) {
		return nil, fmt.Errorf("%w: payment is required", ErrMalformedEvent)
	}
	var p rawPayment
	if err := json.Unmarshal(payment, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid payment object: %v", ErrMalformedEvent, err)
	}

	vp := validatedPayment{
		ID:     strings.TrimSpace(p.ID),
		Status: paymentstatus.Normalize(p.Status),
	}
	if err := validate.Struct(vp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, describeValidation(err))
	}

	value, err := parseValue(p.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	receivedAt, err := parseReceivedAt(env.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return &Event{
		EventID:       handle,
		Kind:          strings.TrimSpace(env.Event),
		PaymentID:     vp.ID,
		PaymentStatus: vp.Status,
		Value:         value,
		ReceivedAt:    receivedAt,
		RawPayment:    json.RawMessage(append([]byte(nil), payment...)),
	}, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("payment.%s is required", fe.Field()))
		case "max":
			parts = append(parts, fmt.Sprintf("payment.%s exceeds %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("payment.%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

// parseValue accepts a JSON number or a numeric string. Missing and null mean no value.
func parseValue(raw json.RawMessage) (*float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("payment.value %s is not a number", string(raw))
}

// parseReceivedAt accepts RFC3339 strings, unix seconds or unix milliseconds.
// A missing timestamp falls back to the decode time.
func parseReceivedAt(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Now().UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Now().UTC(), nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("receivedAt %q is not a timestamp", s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("receivedAt %s is not a unix timestamp", n.String())
		}
		if i > 1e12 {
			return time.UnixMilli(i).UTC(), nil
		}
		return time.Unix(i, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("receivedAt %s is not a timestamp", string(raw))
}
