package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SecureEscrow/internal/handlers"
	"SecureEscrow/internal/middleware"
	"SecureEscrow/internal/ratelimit"
)

type Options struct {
	JWTSecret  string
	CronSecret string
	// Limiter throttles the mutating user routes. Nil disables it.
	Limiter ratelimit.Limiter
}

func (o Options) protected() []fiber.Handler {
	chain := []fiber.Handler{middleware.Protected(o.JWTSecret)}
	if o.Limiter != nil {
		chain = append(chain, ratelimit.Middleware(o.Limiter))
	}
	return chain
}

// SetupRoutes registers every route of the service.
func SetupRoutes(app *fiber.App, h *handlers.Handler, opts Options) {
	api := app.Group("/api")

	// Health check
	api.Get("/health", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupEscrowRoutes(app, h, opts)
	SetupDisputeRoutes(app, h, opts)
	SetupNotificationRoutes(app, h, opts)
	SetupAdminRoutes(app, h, opts)
	SetupCronRoutes(app, h, opts)
}
