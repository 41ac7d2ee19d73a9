package routes

import (
	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/handlers"
	"SecureEscrow/internal/middleware"
)

func SetupNotificationRoutes(app *fiber.App, h *handlers.Handler, opts Options) {
	notifications := app.Group("/api/notifications", middleware.Protected(opts.JWTSecret))

	notifications.Get("/", h.GetNotifications)
	notifications.Put("/:id/read", h.MarkAsRead)
}
