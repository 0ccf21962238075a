// Package reconciler consumes queued payment webhook events and applies them to orders.
package reconciler

import (
	"context"
	"time"

	"github.com/ManuelReschke/ProtestDocs/app/models"
	"github.com/ManuelReschke/ProtestDocs/app/repository"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/env"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/eventstore"
)

// State is the phase the worker loop is in
type State string

const (
	StateWaiting        State = "WAITING"
	StateDecoding       State = "DECODING"
	StateResolvingOrder State = "RESOLVING_ORDER"
	StateApplying       State = "APPLYING"
)

// Disposition is how a single event ended
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionNoop      Disposition = "noop"
	DispositionFailed    Disposition = "failed"
	DispositionMalformed Disposition = "malformed"
	DispositionError     Disposition = "error"
	DispositionSkipped   Disposition = "skipped"
)

// EventStore is the queue the worker consumes
type EventStore interface {
	BlockingPop(ctx context.Context, timeout time.Duration) (string, error)
	Get(ctx context.Context, eventID string) ([]byte, error)
	Delete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
	IncrAttempts(ctx context.Context, eventID string) (int64, error)
	RecordIn(ctx context.Context, table eventstore.SideTable, eventID string, rec eventstore.SideRecord) error
	RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error)
}

// OrderStore is the persistence the worker applies transitions to
type OrderStore interface {
	FindByExternalPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	UpdateOrder(ctx context.Context, orderID uint, expected repository.OrderState, update repository.OrderUpdate) error
	AppendHistory(ctx context.Context, history *models.OrderHistory) error
	ApplyTransition(ctx context.Context, tr repository.Transition) error
}

// Recorder receives disposition metrics. metrics.Provider implements it.
type Recorder interface {
	RecordDisposition(disposition string, elapsed time.Duration)
	RecordPopFailure()
	RecordRecovered(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDisposition(string, time.Duration) {}
func (nopRecorder) RecordPopFailure()                       {}
func (nopRecorder) RecordRecovered(int)                     {}

// Config controls timeouts and retry bounds of the worker
type Config struct {
	PopTimeout     time.Duration
	StoreTimeout   time.Duration
	MaxAttempts    int
	MaxPopFailures int
	ApplyRetries   int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ErrorBackoff   time.Duration
	StuckMaxAge    time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		PopTimeout:     30 * time.Second,
		StoreTimeout:   10 * time.Second,
		MaxAttempts:    5,
		MaxPopFailures: 10,
		ApplyRetries:   3,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		ErrorBackoff:   time.Second,
		StuckMaxAge:    10 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// ConfigFromEnv reads WEBHOOK_* overrides on top of the defaults
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.PopTimeout = env.GetEnvDuration("WEBHOOK_POP_TIMEOUT", cfg.PopTimeout)
	cfg.StoreTimeout = env.GetEnvDuration("WEBHOOK_STORE_TIMEOUT", cfg.StoreTimeout)
	cfg.MaxAttempts = env.GetEnvInt("WEBHOOK_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.MaxPopFailures = env.GetEnvInt("WEBHOOK_MAX_POP_FAILURES", cfg.MaxPopFailures)
	cfg.StuckMaxAge = env.GetEnvDuration("WEBHOOK_STUCK_MAX_AGE", cfg.StuckMaxAge)
	cfg.SweepInterval = env.GetEnvDuration("WEBHOOK_SWEEP_INTERVAL", cfg.SweepInterval)
	return cfg.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PopTimeout < time.Second {
		// Redis blocking commands take whole seconds
		c.PopTimeout = time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxPopFailures <= 0 {
		c.MaxPopFailures = d.MaxPopFailures
	}
	if c.ApplyRetries <= 0 {
		c.ApplyRetries = d.ApplyRetries
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.ErrorBackoff < 0 {
		c.ErrorBackoff = 0
	}
	if c.StuckMaxAge <= 0 {
		c.StuckMaxAge = d.StuckMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}
