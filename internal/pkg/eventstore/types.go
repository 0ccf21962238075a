package eventstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SideTable names one of the disjoint terminal dispositions of an event
type SideTable string

const (
	// SideTableProcessed holds events that were applied or were a no-op. Kept for observability, expires.
	SideTableProcessed SideTable = "processed"
	// SideTableFailed holds events whose order could not be resolved. Operator-replayable.
	SideTableFailed SideTable = "failed"
	// SideTableErrors holds malformed events and processing failures. Operator-replayable.
	SideTableErrors SideTable = "errors"
)

// Outcomes stored with processed records
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
)

var (
	// ErrQueueEmpty is returned by BlockingPop when the wait timed out
	ErrQueueEmpty = errors.New("webhook queue is empty")
	// ErrEventNotFound means no payload is stored for an event id (consumed or expired)
	ErrEventNotFound = errors.New("webhook event not found")
	// ErrRecordNotFound means a side table holds no record for an event id
	ErrRecordNotFound = errors.New("side table record not found")
	// ErrInvalidSideTable is returned for unknown side table names
	ErrInvalidSideTable = errors.New("invalid side table")
	// ErrNotReplayable is returned when requeueing from a table operators may not replay
	ErrNotReplayable = errors.New("side table is not replayable")
)

// SideTables lists all side tables.
func SideTables() []SideTable {
	return []SideTable{SideTableProcessed, SideTableFailed, SideTableErrors}
}

// ParseSideTable validates a side table name.
func ParseSideTable(name string) (SideTable, error) {
	t := SideTable(strings.ToLower(strings.TrimSpace(name)))
	switch t {
	case SideTableProcessed, SideTableFailed, SideTableErrors:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSideTable, name)
	}
}

// Replayable reports whether operators may push records of this table back onto the queue.
func (t SideTable) Replayable() bool {
	return t == SideTableFailed || t == SideTableErrors
}

// SideRecord is what gets stored for an event in a side table
type SideRecord struct {
	EventID    string    `json:"event_id"`
	Payload    string    `json:"payload"`
	Reason     string    `json:"reason,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	PaymentID  string    `json:"payment_id,omitempty"`
	OrderID    uint      `json:"order_id,omitempty"`
	Attempts   int64     `json:"attempts,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
