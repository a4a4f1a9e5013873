// Package api is the HTTP boundary: health probes and provider webhook
// intake. Batch submission lives in the control-plane service, not here.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"batchsender/internal/batches"
	"batchsender/internal/db"
	"batchsender/internal/observability"
	natsq "batchsender/internal/queue/nats"
	"batchsender/internal/rate"
	"batchsender/internal/webhooks"
)

type Handlers struct {
	logger   *zap.Logger
	store    *batches.Store
	redis    *db.RedisDB
	queue    *natsq.Queue
	limiter  *rate.Registry
	adapters map[string]webhooks.Adapter
	metrics  *observability.Metrics
}

func NewHandlers(logger *zap.Logger, store *batches.Store, redis *db.RedisDB,
	queue *natsq.Queue, limiter *rate.Registry, metrics *observability.Metrics) *Handlers {
	return &Handlers{
		logger:   logger,
		store:    store,
		redis:    redis,
		queue:    queue,
		limiter:  limiter,
		adapters: webhooks.Adapters(),
		metrics:  metrics,
	}
}

func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// ReadyCheck pings every backing store; any failure makes the replica
// not ready without affecting liveness.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{}
	ready := true

	if err := h.store.Health(ctx); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	} else {
		checks["postgres"] = "ok"
	}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}

	if err := h.queue.HealthCheck(ctx); err != nil {
		checks["nats"] = err.Error()
		ready = false
	} else {
		checks["nats"] = "ok"
	}

	status := fiber.StatusOK
	if !ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"ready": ready, "checks": checks})
}

// HandleWebhook parses a provider callback and publishes the normalized
// events; the pipeline consumer does the rest asynchronously.
func (h *Handlers) HandleWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")

	adapter, ok := h.adapters[provider]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown provider"})
	}

	events, err := adapter.Parse(c.Body())
	if err != nil {
		h.logger.Warn("unparseable webhook payload",
			zap.String("provider", provider), zap.Error(err))
		h.metrics.WebhooksErrorsTotal.WithLabelValues("parse").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unparseable payload"})
	}

	traceID := c.Get(observability.TraceHeader)
	if traceID == "" {
		traceID = observability.NewTraceID()
	}

	for _, ev := range events {
		h.metrics.WebhooksReceivedTotal.WithLabelValues(ev.Provider, ev.EventType).Inc()

		data, err := marshalEvent(ev)
		if err != nil {
			continue
		}
		subject := natsq.WebhookSubject(ev.Provider, ev.EventType)
		if _, err := h.queue.Publish(c.Context(), subject, data, ev.ID, traceID); err != nil {
			h.logger.Error("failed to enqueue webhook event",
				zap.String("provider", ev.Provider), zap.Error(err))
			h.metrics.EnqueueFailuresTotal.WithLabelValues("webhook").Inc()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "enqueue failed"})
		}
	}

	return c.JSON(fiber.Map{"accepted": len(events)})
}

// RateLimitStatus reports live token counts for every active bucket.
func (h *Handlers) RateLimitStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"buckets": h.limiter.Status(c.Context())})
}
