package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/ProtestDocs/app/models"
	"github.com/ManuelReschke/ProtestDocs/app/repository"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/eventstore"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/paymentstatus"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/webhook"
)

// Worker consumes one event at a time from the event store and reconciles it
// against the order it belongs to.
type Worker struct {
	events   EventStore
	orders   OrderStore
	cfg      Config
	recorder Recorder
	now      func() time.Time
	state    atomic.Value
}

// Option customizes a Worker
type Option func(*Worker)

// WithConfig replaces the default configuration
func WithConfig(cfg Config) Option {
	return func(w *Worker) { w.cfg = cfg.normalized() }
}

// WithRecorder sets the metrics sink
func WithRecorder(r Recorder) Option {
	return func(w *Worker) {
		if r != nil {
			w.recorder = r
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker creates a worker
func NewWorker(events EventStore, orders OrderStore, opts ...Option) *Worker {
	w := &Worker{
		events:   events,
		orders:   orders,
		cfg:      DefaultConfig(),
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.state.Store(StateWaiting)
	return w
}

// State returns the current loop state
func (w *Worker) State() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
}

// Config returns the effective configuration
func (w *Worker) Config() Config {
	return w.cfg
}

// Run consumes events until ctx is cancelled. It returns nil on cancellation and an
// error only when the queue stayed unreachable for MaxPopFailures consecutive pops.
func (w *Worker) Run(ctx context.Context) error {
	log.Infof("[Webhook] Worker started (popTimeout=%s, maxAttempts=%d)", w.cfg.PopTimeout, w.cfg.MaxAttempts)
	defer log.Info("[Webhook] Worker stopped")

	failures := 0
	backoff := w.cfg.BackoffInitial

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateWaiting)
		eventID, err := w.events.BlockingPop(ctx, w.cfg.PopTimeout)
		if err != nil {
			if errors.Is(err, eventstore.ErrQueueEmpty) {
				failures = 0
				backoff = w.cfg.BackoffInitial
				continue
			}
			if ctx.Err() != nil {
				return nil
			}

			failures++
			w.recorder.RecordPopFailure()
			if failures >= w.cfg.MaxPopFailures {
				return fmt.Errorf("webhook queue unavailable after %d consecutive failures: %w", failures, err)
			}
			log.Errorf("[Webhook] Failed to pop event (%d/%d), retrying in %s: %v", failures, w.cfg.MaxPopFailures, backoff, err)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > w.cfg.BackoffMax {
				backoff = w.cfg.BackoffMax
			}
			continue
		}

		failures = 0
		backoff = w.cfg.BackoffInitial

		// An event that was popped is always carried to a disposition, even during shutdown
		if w.ProcessOne(context.WithoutCancel(ctx), eventID) == DispositionError {
			sleepCtx(ctx, w.cfg.ErrorBackoff)
		}
	}
}

// ProcessOne runs a single popped event through decode, resolve and apply.
func (w *Worker) ProcessOne(ctx context.Context, eventID string) Disposition {
	start := time.Now()
	d := w.handle(ctx, eventID)
	w.setState(StateWaiting)
	w.recorder.RecordDisposition(string(d), time.Since(start))
	return d
}

func (w *Worker) handle(ctx context.Context, eventID string) Disposition {
	w.setState(StateDecoding)

	raw, err := w.getPayload(ctx, eventID)
	if err != nil {
		if errors.Is(err, eventstore.ErrEventNotFound) {
			log.Warnf("[Webhook] No payload stored for event %s, skipping", eventID)
			w.release(ctx, eventID)
			return DispositionSkipped
		}
		return w.transientFailure(ctx, eventID, nil, fmt.Errorf("failed to load event: %w", err))
	}

	ev, err := webhook.Decode(eventID, raw)
	if err != nil {
		log.Errorf("[Webhook] Discarding malformed event %s: %v", eventID, err)
		rec := eventstore.SideRecord{Payload: string(raw), Reason: err.Error()}
		if err := w.finish(ctx, eventstore.SideTableErrors, eventID, rec); err != nil {
			return w.transientFailure(ctx, eventID, raw, err)
		}
		return DispositionMalformed
	}

	for attempt := 1; ; attempt++ {
		w.setState(StateResolvingOrder)

		order, err := w.findOrder(ctx, ev.PaymentID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) {
				log.Warnf("[Webhook] No order for payment %s (event %s), moving to failed", ev.PaymentID, eventID)
				rec := eventstore.SideRecord{Payload: string(raw), Reason: err.Error(), PaymentID: ev.PaymentID}
				if err := w.finish(ctx, eventstore.SideTableFailed, eventID, rec); err != nil {
					return w.transientFailure(ctx, eventID, raw, err)
				}
				return DispositionFailed
			}
			return w.transientFailure(ctx, eventID, raw, fmt.Errorf("failed to resolve order: %w", err))
		}

		target, ok := paymentstatus.Map(ev.PaymentStatus)
		if !ok {
			log.Warnf("[Webhook] Unknown payment status %q for payment %s (event %s), ignoring", ev.PaymentStatus, ev.PaymentID, eventID)
			return w.noop(ctx, eventID, raw, ev, order, fmt.Sprintf("unknown payment status %s", ev.PaymentStatus))
		}
		if target.Matches(order) {
			log.Debugf("[Webhook] Order %d already %s/%s, event %s is a no-op", order.ID, order.PaymentStatus, order.Status, eventID)
			return w.noop(ctx, eventID, raw, ev, order, "order already in target state")
		}

		w.setState(StateApplying)
		tr, err := w.buildTransition(order, ev, target)
		if err != nil {
			return w.transientFailure(ctx, eventID, raw, err)
		}

		err = w.applyTransition(ctx, tr)
		if errors.Is(err, repository.ErrOrderChanged) && attempt < w.cfg.ApplyRetries {
			log.Infof("[Webhook] Order %d changed while applying event %s, re-resolving (attempt %d/%d)", order.ID, eventID, attempt, w.cfg.ApplyRetries)
			continue
		}
		if err != nil {
			return w.transientFailure(ctx, eventID, raw, fmt.Errorf("failed to apply transition: %w", err))
		}

		log.Infof("[Webhook] Order %d: %s/%s -> %s/%s (event %s, payment %s)",
			order.ID, order.PaymentStatus, order.Status, target.PaymentStatus, target.OrderStatus, eventID, ev.PaymentID)
		rec := eventstore.SideRecord{Payload: string(raw), Outcome: eventstore.OutcomeApplied, PaymentID: ev.PaymentID, OrderID: order.ID}
		if err := w.finish(ctx, eventstore.SideTableProcessed, eventID, rec); err != nil {
			// The order is updated already; redelivery resolves to a no-op
			return w.transientFailure(ctx, eventID, raw, err)
		}
		return DispositionApplied
	}
}

func (w *Worker) noop(ctx context.Context, eventID string, raw []byte, ev *webhook.Event, order *models.Order, reason string) Disposition {
	rec := eventstore.SideRecord{
		Payload:   string(raw),
		Reason:    reason,
		Outcome:   eventstore.OutcomeNoop,
		PaymentID: ev.PaymentID,
		OrderID:   order.ID,
	}
	if err := w.finish(ctx, eventstore.SideTableProcessed, eventID, rec); err != nil {
		return w.transientFailure(ctx, eventID, raw, err)
	}
	return DispositionNoop
}

// buildTransition computes the guarded update and the audit row for one event
func (w *Worker) buildTransition(order *models.Order, ev *webhook.Event, target paymentstatus.Result) (repository.Transition, error) {
	now := w.now()

	metadata, err := order.MergedMetadata(models.MetadataKeyLastWebhook, models.LastWebhook{
		Event:       ev.Kind,
		Payment:     ev.RawPayment,
		ReceivedAt:  ev.ReceivedAt,
		ProcessedAt: now,
	})
	if err != nil {
		return repository.Transition{}, err
	}

	update := repository.OrderUpdate{
		PaymentStatus: target.PaymentStatus,
		Status:        target.OrderStatus,
		Metadata:      metadata,
		UpdatedAt:     now,
	}
	if target.PaymentStatus == models.PaymentStatusCompleted {
		update.PaidAt = &now
	}

	history := &models.OrderHistory{
		OrderID:        order.ID,
		PreviousStatus: order.Status,
		NewStatus:      target.OrderStatus,
		Notes:          historyNotes(order, ev, target),
		Metadata: datatypes.NewJSONType(models.OrderHistoryMetadata{
			Webhook: &models.WebhookHistoryDetails{
				Event:         ev.Kind,
				PaymentID:     ev.PaymentID,
				PaymentStatus: ev.PaymentStatus,
				Value:         ev.Value,
				Origin:        models.HistoryOriginPaymentWebhook,
			},
		}),
	}

	return repository.Transition{
		OrderID:  order.ID,
		Expected: repository.StateOf(order),
		Update:   update,
		History:  history,
	}, nil
}

func historyNotes(order *models.Order, ev *webhook.Event, target paymentstatus.Result) string {
	kind := ev.Kind
	if kind == "" {
		kind = "payment webhook"
	}
	return fmt.Sprintf("%s: gateway status %s, payment %s -> %s, order %s -> %s",
		kind, ev.PaymentStatus, order.PaymentStatus, target.PaymentStatus, order.Status, target.OrderStatus)
}

// finish records the terminal disposition and then removes the event from the queue
func (w *Worker) finish(ctx context.Context, table eventstore.SideTable, eventID string, rec eventstore.SideRecord) error {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()

	if err := w.events.RecordIn(sctx, table, eventID, rec); err != nil {
		return fmt.Errorf("failed to record event in %s: %w", table, err)
	}
	if err := w.events.Delete(sctx, eventID); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// transientFailure records the error and leaves the event in the processing list for
// redelivery, until MaxAttempts is reached.
func (w *Worker) transientFailure(ctx context.Context, eventID string, raw []byte, cause error) Disposition {
	log.Errorf("[Webhook] Error processing event %s: %v", eventID, cause)

	sctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()

	attempts, countErr := w.events.IncrAttempts(sctx, eventID)
	if countErr != nil {
		log.Errorf("[Webhook] Failed to count attempt for event %s: %v", eventID, countErr)
	}

	rec := eventstore.SideRecord{Payload: string(raw), Reason: cause.Error(), Attempts: attempts}
	if err := w.events.RecordIn(sctx, eventstore.SideTableErrors, eventID, rec); err != nil {
		log.Errorf("[Webhook] Failed to record error for event %s: %v", eventID, err)
	}

	if countErr == nil && attempts >= int64(w.cfg.MaxAttempts) {
		log.Errorf("[Webhook] Event %s failed %d times, leaving it in errors for manual review", eventID, attempts)
		if err := w.events.Release(sctx, eventID); err != nil {
			log.Errorf("[Webhook] Failed to release event %s: %v", eventID, err)
		}
	}
	return DispositionError
}

func (w *Worker) release(ctx context.Context, eventID string) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.events.Release(sctx, eventID); err != nil {
		log.Errorf("[Webhook] Failed to release event %s: %v", eventID, err)
	}
}

func (w *Worker) getPayload(ctx context.Context, eventID string) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	return w.events.Get(sctx, eventID)
}

func (w *Worker) findOrder(ctx context.Context, paymentID string) (*models.Order, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	return w.orders.FindByExternalPaymentID(sctx, paymentID)
}

func (w *Worker) applyTransition(ctx context.Context, tr repository.Transition) error {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	return w.orders.ApplyTransition(sctx, tr)
}

// sleepCtx waits for d and reports false when ctx was cancelled first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
