package handlers

import (
	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/escrow"
	"SecureEscrow/internal/models"
)

type RaiseDisputeRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	Reason        string `json:"reason" validate:"required,min=20"`
	EvidenceURL   string `json:"evidence_url" validate:"omitempty,url"`
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" validate:"required"`
	Winner     string `json:"winner" validate:"required,oneof=buyer seller"`
}

// RaiseDispute lets either party dispute a transaction.
func (h *Handler) RaiseDispute(c *fiber.Ctx) error {
	req := new(RaiseDisputeRequest)
	if ok, err := h.parse(c, req); !ok {
		return err
	}

	dispute, err := h.engine.Dispute(c.UserContext(), actorFrom(c), req.TransactionID, escrow.DisputeInput{
		Reason:      req.Reason,
		EvidenceURL: req.EvidenceURL,
	})
	if err != nil {
		return h.respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Dispute raised successfully. Our team will review it shortly.",
		"dispute": dispute,
	})
}

func (h *Handler) GetDispute(c *fiber.Ctx) error {
	dispute, err := h.engine.GetDispute(c.UserContext(), actorFrom(c), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"dispute": dispute})
}

// ReviewDispute marks a dispute as picked up by an admin.
func (h *Handler) ReviewDispute(c *fiber.Ctx) error {
	dispute, err := h.engine.ReviewDispute(c.UserContext(), actorFrom(c), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Dispute is in review",
		"dispute": dispute,
	})
}

// ResolveDispute settles the money for the winner, then closes the dispute.
func (h *Handler) ResolveDispute(c *fiber.Ctx) error {
	req := new(ResolveDisputeRequest)
	if ok, err := h.parse(c, req); !ok {
		return err
	}

	t, err := h.engine.ResolveDispute(c.UserContext(), actorFrom(c), c.Params("id"), escrow.ResolveInput{
		Winner:     models.DisputeWinner(req.Winner),
		Resolution: req.Resolution,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Dispute resolved successfully",
		"transaction": t,
	})
}
