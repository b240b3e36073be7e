package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/fieldops/dispatch/internal/api/dto"
	"github.com/fieldops/dispatch/internal/auth"
	"github.com/fieldops/dispatch/internal/domain"
	"github.com/fieldops/dispatch/internal/service"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

// NotificationsHandler serves history and the producer endpoint.
type NotificationsHandler struct {
	service *service.NotificationService
}

// NewNotificationsHandler constructs handler.
func NewNotificationsHandler(notificationService *service.NotificationService) *NotificationsHandler {
	return &NotificationsHandler{service: notificationService}
}

// Trigger POST /api/notifications/trigger.
func (h *NotificationsHandler) Trigger(c *fiber.Ctx) error {
	var req dto.TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	n, err := h.service.Trigger(c.UserContext(), service.TriggerInput{
		UserID:  req.UserID,
		Message: req.Message,
		Kind:    domain.NotificationKind(req.Type),
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": n})
}

// History GET /api/notifications/:identity. Responds with a bare array,
// newest first.
func (h *NotificationsHandler) History(c *fiber.Ctx) error {
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	items, err := h.service.History(c.UserContext(), identity, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(items)
}

// MarkRead PUT /api/notifications/:identity/:id/read.
func (h *NotificationsHandler) MarkRead(c *fiber.Ctx) error {
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	if err := h.service.MarkRead(c.UserContext(), identity, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// MarkAllRead PUT /api/notifications/:identity/read-all.
func (h *NotificationsHandler) MarkAllRead(c *fiber.Ctx) error {
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	n, err := h.service.MarkAllRead(c.UserContext(), identity)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.MarkAllReadResponse{Updated: n}})
}

// UnreadCount GET /api/notifications/:identity/unread-count.
func (h *NotificationsHandler) UnreadCount(c *fiber.Ctx) error {
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	n, err := h.service.UnreadCount(c.UserContext(), identity)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.UnreadCountResponse{Unread: n}})
}
