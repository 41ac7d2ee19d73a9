package routes

import (
	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/handlers"
	"SecureEscrow/internal/middleware"
)

func SetupEscrowRoutes(app *fiber.App, h *handlers.Handler, opts Options) {
	transactions := app.Group("/api/transactions", opts.protected()...)

	// Create new transaction (buyer)
	transactions.Post("/", h.CreateTransaction)

	// Get all my transactions, ?role=buyer|seller
	transactions.Get("/", h.ListTransactions)

	transactions.Get("/:id", h.GetTransaction)
	transactions.Get("/:id/tracking", h.GetTracking)
	transactions.Get("/:id/disputes", h.GetTransactionDisputes)

	// Both parties confirm before payment
	transactions.Post("/:id/confirm", h.ConfirmTransaction)

	// Buyer pays into escrow
	transactions.Post("/:id/pay", h.PayTransaction)

	// Seller ships with tracking
	transactions.Post("/:id/ship", h.ShipTransaction)

	// Buyer releases funds early
	transactions.Post("/:id/release", h.ReleaseTransaction)

	app.Get("/api/tracking/detect", middleware.Protected(opts.JWTSecret), h.DetectCarrier)
}
