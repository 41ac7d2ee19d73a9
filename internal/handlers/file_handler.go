package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

const (
	maxEvidenceSize = int64(10 * 1024 * 1024)
	evidenceFolder  = "secureescrow/dispute-evidence"
)

// UploadEvidence stores a dispute evidence file and returns its URL, which the
// client then passes as evidence_url when raising the dispute.
func (h *Handler) UploadEvidence(c *fiber.Ctx) error {
	if h.uploader == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "File uploads are not configured",
		})
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file provided",
		})
	}
	if file.Size > maxEvidenceSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large. Maximum size is %dMB", maxEvidenceSize/(1024*1024)),
		})
	}

	result, err := h.uploader.UploadFile(c.UserContext(), file, evidenceFolder)
	if err != nil {
		h.log.WithError(err).Warn("Evidence upload failed")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Failed to upload file: %v", err),
		})
	}

	return c.JSON(fiber.Map{
		"message": "File uploaded successfully",
		"file": fiber.Map{
			"url":           result.SecureURL,
			"public_id":     result.PublicID,
			"format":        result.Format,
			"resource_type": result.ResourceType,
			"size_bytes":    result.Bytes,
		},
	})
}
