package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"SecureEscrow/internal/escrow"
	"SecureEscrow/internal/models"
)

type CreateTransactionRequest struct {
	SellerID           string                  `json:"seller_id" validate:"required_without=SellerEmail"`
	SellerEmail        string                  `json:"seller_email" validate:"omitempty,email"`
	ProductName        string                  `json:"product_name" validate:"required,min=3"`
	ProductDescription string                  `json:"product_description" validate:"required,min=10"`
	ProductURL         string                  `json:"product_url" validate:"required,url"`
	ProductImageURL    string                  `json:"product_image_url" validate:"omitempty,url"`
	Amount             decimal.Decimal         `json:"amount"`
	ConfirmationType   models.ConfirmationType `json:"confirmation_type" validate:"omitempty,oneof=EMAIL PASSCODE CHAT BOTH_PARTIES"`
}

type ConfirmRequest struct {
	Passcode string `json:"passcode"`
}

type PayRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

type ShipRequest struct {
	TrackingNumber string `json:"tracking_number" validate:"required,min=5"`
	Carrier        string `json:"carrier" validate:"required,min=2"`
}

// CreateTransaction opens an escrow with the caller as buyer.
func (h *Handler) CreateTransaction(c *fiber.Ctx) error {
	req := new(CreateTransactionRequest)
	if ok, err := h.parse(c, req); !ok {
		return err
	}

	t, err := h.engine.Create(c.UserContext(), actorFrom(c), escrow.CreateInput{
		SellerID:           req.SellerID,
		SellerEmail:        req.SellerEmail,
		ProductName:        req.ProductName,
		ProductDescription: req.ProductDescription,
		ProductURL:         req.ProductURL,
		ProductImageURL:    req.ProductImageURL,
		Amount:             req.Amount,
		ConfirmationType:   req.ConfirmationType,
	})
	if err != nil {
		return h.respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":     "Transaction created. Waiting for both parties to confirm.",
		"transaction": t,
	})
}

// ListTransactions returns the caller's transactions, optionally by role.
func (h *Handler) ListTransactions(c *fiber.Ctx) error {
	txs, err := h.engine.ListForUser(c.UserContext(), actorFrom(c), c.Query("role"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (h *Handler) GetTransaction(c *fiber.Ctx) error {
	t, err := h.engine.Get(c.UserContext(), actorFrom(c), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"transaction": t})
}

// GetTracking returns the recorded checkpoints in carrier time order.
func (h *Handler) GetTracking(c *fiber.Ctx) error {
	updates, err := h.engine.TrackingHistory(c.UserContext(), actorFrom(c), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"tracking": updates,
		"count":    len(updates),
	})
}

func (h *Handler) GetTransactionDisputes(c *fiber.Ctx) error {
	disputes, err := h.engine.Disputes(c.UserContext(), actorFrom(c), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

func (h *Handler) ConfirmTransaction(c *fiber.Ctx) error {
	req := new(ConfirmRequest)
	if len(c.Body()) > 0 {
		if ok, err := h.parse(c, req); !ok {
			return err
		}
	}

	t, err := h.engine.Confirm(c.UserContext(), actorFrom(c), c.Params("id"), req.Passcode)
	if err != nil {
		return h.respondError(c, err)
	}

	message := "Confirmation recorded. Waiting for the other party."
	if t.Status == models.StatusPendingPayment {
		message = "Both parties confirmed. The buyer can now pay."
	}
	return c.JSON(fiber.Map{
		"message":     message,
		"transaction": t,
	})
}

// PayTransaction places the hold on the buyer's payment method.
func (h *Handler) PayTransaction(c *fiber.Ctx) error {
	req := new(PayRequest)
	if len(c.Body()) > 0 {
		if ok, err := h.parse(c, req); !ok {
			return err
		}
	}

	t, err := h.engine.Pay(c.UserContext(), actorFrom(c), c.Params("id"), escrow.PayInput{
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Payment held in escrow",
		"transaction": t,
	})
}

func (h *Handler) ShipTransaction(c *fiber.Ctx) error {
	req := new(ShipRequest)
	if ok, err := h.parse(c, req); !ok {
		return err
	}

	t, err := h.engine.Ship(c.UserContext(), actorFrom(c), c.Params("id"), escrow.ShipInput{
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":         "Item marked as shipped",
		"transaction":     t,
		"auto_release_at": t.AutoReleaseAt,
	})
}

// ReleaseTransaction is the buyer's early release. Admins use the admin route.
func (h *Handler) ReleaseTransaction(c *fiber.Ctx) error {
	t, err := h.engine.Release(c.UserContext(), actorFrom(c), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Funds released to seller",
		"transaction": t,
	})
}

// DetectCarrier guesses the carrier of ?tracking_number=.
func (h *Handler) DetectCarrier(c *fiber.Ctx) error {
	number := c.Query("tracking_number")
	carrier, err := h.engine.DetectCarrier(c.UserContext(), number)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"tracking_number": number,
		"carrier":         carrier,
	})
}
