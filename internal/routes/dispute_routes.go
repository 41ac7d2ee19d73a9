package routes

import (
	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/handlers"
)

func SetupDisputeRoutes(app *fiber.App, h *handlers.Handler, opts Options) {
	disputes := app.Group("/api/disputes", opts.protected()...)

	disputes.Post("/", h.RaiseDispute)
	disputes.Get("/:id", h.GetDispute)

	uploads := app.Group("/api/uploads", opts.protected()...)
	uploads.Post("/evidence", h.UploadEvidence)
}
