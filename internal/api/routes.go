package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func SetupRoutes(app *fiber.App, logger *zap.Logger, handlers *Handlers, webhookSecret string) {
	app.Use(RequestLogger(logger))

	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	app.Get("/v1/rate-limits", handlers.RateLimitStatus)

	webhookGuard := RequireWebhookSecret(webhookSecret)
	app.Post("/webhooks/:provider", webhookGuard, handlers.HandleWebhook)
}
