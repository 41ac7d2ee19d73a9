package routes

import (
	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/handlers"
	"SecureEscrow/internal/middleware"
)

// SetupCronRoutes registers the scheduler and provider callbacks. None of
// them take a user token.
func SetupCronRoutes(app *fiber.App, h *handlers.Handler, opts Options) {
	cron := middleware.CronAuth(opts.CronSecret)

	app.Post("/api/cron/reconcile", cron, h.RunReconcile)
	app.Post("/api/cron/auto-release", cron, h.RunAutoRelease)
	app.Post("/api/tracking/check", cron, h.RunTrackingCheck)

	app.Post("/api/webhooks/payments", h.PaymentWebhook)
}
