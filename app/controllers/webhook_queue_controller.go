package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ProtestDocs/internal/pkg/eventstore"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/reconciler"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	requestTimeout  = 10 * time.Second
)

// WebhookStore is the part of the event store operators work with
type WebhookStore interface {
	List(ctx context.Context, table eventstore.SideTable, offset, limit int64) ([]eventstore.SideRecord, error)
	Count(ctx context.Context, table eventstore.SideTable) (int64, error)
	Requeue(ctx context.Context, table eventstore.SideTable, eventID string) error
	RemoveRecord(ctx context.Context, table eventstore.SideTable, eventID string) error
	Stats(ctx context.Context) (map[string]int64, error)
	QueueSize(ctx context.Context) (int64, error)
	ProcessingSize(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// WorkerStatus reports the state of the reconciliation worker
type WorkerStatus interface {
	IsRunning() bool
	State() reconciler.State
}

// WebhookQueueController serves health, stats and side table maintenance for the webhook queue
type WebhookQueueController struct {
	store  WebhookStore
	status WorkerStatus
}

// NewWebhookQueueController creates a new controller
func NewWebhookQueueController(store WebhookStore, status WorkerStatus) *WebhookQueueController {
	return &WebhookQueueController{
		store:  store,
		status: status,
	}
}

// handleError is a helper method for consistent error responses
func (wqc *WebhookQueueController) handleError(c *fiber.Ctx, message string, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, eventstore.ErrInvalidSideTable):
		status = fiber.StatusBadRequest
	case errors.Is(err, eventstore.ErrNotReplayable):
		status = fiber.StatusConflict
	case errors.Is(err, eventstore.ErrRecordNotFound), errors.Is(err, eventstore.ErrEventNotFound):
		status = fiber.StatusNotFound
	}
	if status == fiber.StatusInternalServerError {
		log.Errorf("[WebhookQueue] %s: %v", message, err)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": message + ": " + err.Error(),
	})
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

// HandleHealth reports worker and queue backend health
func (wqc *WebhookQueueController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	healthy := true
	queue := "ok"
	if err := wqc.store.Ping(ctx); err != nil {
		healthy = false
		queue = err.Error()
	}

	worker := fiber.Map{"running": false, "state": ""}
	if wqc.status != nil {
		worker["running"] = wqc.status.IsRunning()
		worker["state"] = wqc.status.State()
		if !wqc.status.IsRunning() {
			healthy = false
		}
	}

	code := fiber.StatusOK
	status := "ok"
	if !healthy {
		code = fiber.StatusServiceUnavailable
		status = "unavailable"
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"queue":  queue,
		"worker": worker,
	})
}

// HandleStats returns queue sizes and disposition counters
func (wqc *WebhookQueueController) HandleStats(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	queued, err := wqc.store.QueueSize(ctx)
	if err != nil {
		return wqc.handleError(c, "failed to read queue size", err)
	}
	processing, err := wqc.store.ProcessingSize(ctx)
	if err != nil {
		return wqc.handleError(c, "failed to read processing size", err)
	}
	counters, err := wqc.store.Stats(ctx)
	if err != nil {
		return wqc.handleError(c, "failed to read stats", err)
	}

	tables := fiber.Map{}
	for _, table := range eventstore.SideTables() {
		n, err := wqc.store.Count(ctx, table)
		if err != nil {
			return wqc.handleError(c, "failed to count "+string(table), err)
		}
		tables[string(table)] = n
	}

	return c.JSON(fiber.Map{
		"queued":     queued,
		"processing": processing,
		"tables":     tables,
		"counters":   counters,
	})
}

// HandleList lists the records of a side table, newest first
func (wqc *WebhookQueueController) HandleList(c *fiber.Ctx) error {
	table, err := eventstore.ParseSideTable(c.Params("table"))
	if err != nil {
		return wqc.handleError(c, "unknown table", err)
	}

	limit := int64(c.QueryInt("limit", defaultPageSize))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := int64(c.QueryInt("offset", 0))
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	records, err := wqc.store.List(ctx, table, offset, limit)
	if err != nil {
		return wqc.handleError(c, "failed to list "+string(table), err)
	}
	total, err := wqc.store.Count(ctx, table)
	if err != nil {
		return wqc.handleError(c, "failed to count "+string(table), err)
	}

	return c.JSON(fiber.Map{
		"table":   table,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
		"records": records,
	})
}

// HandleRequeue pushes a failed or errored event back onto the queue
func (wqc *WebhookQueueController) HandleRequeue(c *fiber.Ctx) error {
	table, err := eventstore.ParseSideTable(c.Params("table"))
	if err != nil {
		return wqc.handleError(c, "unknown table", err)
	}
	eventID := c.Params("id")
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "event id is required"})
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := wqc.store.Requeue(ctx, table, eventID); err != nil {
		return wqc.handleError(c, "failed to requeue "+eventID, err)
	}
	log.Infof("[WebhookQueue] Operator requeued event %s from %s", eventID, table)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"event_id": eventID,
		"requeued": true,
	})
}

// HandleDelete removes a side table record
func (wqc *WebhookQueueController) HandleDelete(c *fiber.Ctx) error {
	table, err := eventstore.ParseSideTable(c.Params("table"))
	if err != nil {
		return wqc.handleError(c, "unknown table", err)
	}
	eventID := c.Params("id")

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := wqc.store.RemoveRecord(ctx, table, eventID); err != nil {
		return wqc.handleError(c, "failed to delete "+eventID, err)
	}
	log.Infof("[WebhookQueue] Operator removed event %s from %s", eventID, table)
	return c.SendStatus(fiber.StatusNoContent)
}
