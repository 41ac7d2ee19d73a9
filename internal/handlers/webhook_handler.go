package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/services"
)

// PaymentWebhook accepts signed provider events. Bad signatures get 400 so
// the provider does not retry them.
func (h *Handler) PaymentWebhook(c *fiber.Ctx) error {
	event, err := h.webhooks.VerifyWebhook(c.Body(), c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidSignature) {
			h.log.WithError(err).Warn("Rejected payment webhook")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid signature"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payload"})
	}

	if err := h.engine.HandlePaymentEvent(c.UserContext(), event); err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"received": true})
}
