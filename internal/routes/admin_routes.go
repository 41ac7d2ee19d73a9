package routes

import (
	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/handlers"
	"SecureEscrow/internal/middleware"
)

func SetupAdminRoutes(app *fiber.App, h *handlers.Handler, opts Options) {
	admin := app.Group("/api/admin", middleware.Protected(opts.JWTSecret), middleware.AdminOnly())

	// Transaction Management
	admin.Get("/transactions", h.AdminListTransactions)
	admin.Post("/transactions/:id/release", h.AdminRelease)
	admin.Post("/transactions/:id/reconcile", h.Reconcile)

	// Dispute Management
	admin.Post("/disputes/:id/review", h.ReviewDispute)
	admin.Post("/disputes/:id/resolve", h.ResolveDispute)
}
