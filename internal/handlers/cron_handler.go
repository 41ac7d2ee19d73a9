package handlers

import (
	"github.com/gofiber/fiber/v2"

	"SecureEscrow/internal/jobs"
)

func cronResponse(c *fiber.Ctx, report jobs.Report) error {
	status := fiber.StatusOK
	if len(report.Errors) > 0 && len(report.Results) == 0 {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(fiber.Map{
		"results":  report.Results,
		"errors":   report.Errors,
		"count":    len(report.Results),
		"duration": report.Duration.String(),
	})
}

// RunReconcile runs every scheduled pass once.
func (h *Handler) RunReconcile(c *fiber.Ctx) error {
	return cronResponse(c, h.reconciler.RunOnce(c.UserContext()))
}

// RunAutoRelease releases delivered transactions past their deadline.
func (h *Handler) RunAutoRelease(c *fiber.Ctx) error {
	return cronResponse(c, h.reconciler.RunReleases(c.UserContext()))
}

// RunTrackingCheck polls carriers for every shipped transaction.
func (h *Handler) RunTrackingCheck(c *fiber.Ctx) error {
	return cronResponse(c, h.reconciler.RunTracking(c.UserContext()))
}
