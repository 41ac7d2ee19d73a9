package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/escrow"
	"SecureEscrow/internal/models"
)

type ReconcileRequest struct {
	Outcome   string `json:"outcome" validate:"required,oneof=released refunded"`
	Reference string `json:"reference" validate:"required"`
	Note      string `json:"note"`
}

// AdminListTransactions filters every transaction by ?status=A,B. With no filter
// it returns all of them.
func (h *Handler) AdminListTransactions(c *fiber.Ctx) error {
	var statuses []models.TransactionStatus
	for _, s := range strings.Split(c.Query("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, models.TransactionStatus(strings.ToUpper(s)))
		}
	}

	txs, err := h.engine.ListByStatus(c.UserContext(), actorFrom(c), statuses...)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"transactions": txs,
		"count":        len(txs),
	})
}

// AdminRelease releases funds without waiting for the deadline.
func (h *Handler) AdminRelease(c *fiber.Ctx) error {
	t, err := h.engine.Release(c.UserContext(), actorFrom(c), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Funds released to seller",
		"transaction": t,
	})
}

// Reconcile records the outcome an operator verified with the provider.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	req := new(ReconcileRequest)
	if ok, err := h.parse(c, req); !ok {
		return err
	}

	t, err := h.engine.ResolveReconciliation(c.UserContext(), actorFrom(c), c.Params("id"), escrow.ReconcileInput{
		Outcome:   req.Outcome,
		Reference: req.Reference,
		Note:      req.Note,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Transaction reconciled",
		"transaction": t,
	})
}
