package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// GetNotifications retrieves the caller's notifications.
func (h *Handler) GetNotifications(c *fiber.Ctx) error {
	actor := actorFrom(c)
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	unreadOnly := c.Query("unread_only", "false") == "true"

	notifications, unread, err := h.notifications.List(c.UserContext(), actor.UserID, unreadOnly, limit)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"notifications": notifications,
		"count":         len(notifications),
		"unread_count":  unread,
	})
}

// MarkAsRead marks a specific notification as read
func (h *Handler) MarkAsRead(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid notification ID",
		})
	}

	found, err := h.notifications.MarkRead(c.UserContext(), actorFrom(c).UserID, uint(id))
	if err != nil {
		return h.respondError(c, err)
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Notification not found",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Notification marked as read",
	})
}
