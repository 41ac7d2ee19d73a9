// Package handlers is the HTTP surface of the escrow service. Handlers parse
// and validate requests, build the caller's actor from the JWT locals, and map
// engine errors to status codes.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"SecureEscrow/internal/escrow"
	"SecureEscrow/internal/jobs"
	"SecureEscrow/internal/middleware"
	"SecureEscrow/internal/models"
	"SecureEscrow/internal/services"
)

// NotificationReader is the in-app inbox.
type NotificationReader interface {
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, int64, error)
	MarkRead(ctx context.Context, userID string, id uint) (bool, error)
}

// CircuitReporter exposes the state of a provider's circuit breaker.
type CircuitReporter interface {
	CircuitState() string
}

// WebhookVerifier authenticates payment provider callbacks.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signatureHeader string) (*services.WebhookEvent, error)
}

type Handler struct {
	engine        *escrow.Engine
	reconciler    *jobs.Reconciler
	notifications NotificationReader
	uploader      services.FileUploader
	webhooks      WebhookVerifier
	circuits      map[string]CircuitReporter
	validate      *validator.Validate
	log           log.FieldLogger
}

type Deps struct {
	Engine        *escrow.Engine
	Reconciler    *jobs.Reconciler
	Notifications NotificationReader
	// Uploader may be nil when file storage is not configured.
	Uploader services.FileUploader
	Webhooks WebhookVerifier
	// Circuits are reported on the health check, keyed by provider.
	Circuits map[string]CircuitReporter
	Logger   log.FieldLogger
}

func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{
		engine:        d.Engine,
		reconciler:    d.Reconciler,
		notifications: d.Notifications,
		uploader:      d.Uploader,
		webhooks:      d.Webhooks,
		circuits:      d.Circuits,
		validate:      newValidator(),
		log:           logger.WithField("component", "http"),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

func actorFrom(c *fiber.Ctx) escrow.Actor {
	userID, _ := c.Locals(middleware.LocalUserID).(string)
	role, _ := c.Locals(middleware.LocalRole).(string)
	return escrow.Actor{
		UserID:    userID,
		Role:      role,
		IP:        c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	}
}

// parse decodes the body into req and runs its validate tags. It writes the
// 400 response itself and reports whether the handler should continue.
func (h *Handler) parse(c *fiber.Ctx, req interface{}) (bool, error) {
	if err := c.BodyParser(req); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": validationMessage(err),
		})
	}
	return true, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request body"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_without":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// respondError maps engine errors to status codes.
func (h *Handler) respondError(c *fiber.Ctx, err error) error {
	var (
		verr  *escrow.ValidationError
		aerr  *escrow.AuthorizationError
		nferr *escrow.NotFoundError
		rerr  *escrow.ReconciliationRequiredError
		cerr  *escrow.StateConflictError
		aderr *escrow.AdapterError
	)

	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": verr.Reason})
	case errors.As(err, &aerr):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": aerr.Reason})
	case errors.As(err, &nferr):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": nferr.Error()})
	case errors.As(err, &rerr):
		// Flagged by an earlier call: a state conflict. Flagged by this call:
		// the provider outcome is unknown.
		status := fiber.StatusBadGateway
		if rerr.AlreadyFlagged {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{
			"error":                   "Transaction requires manual reconciliation",
			"reconciliation_required": true,
			"transaction_id":          rerr.TransactionID,
		})
	case errors.As(err, &cerr):
		body := fiber.Map{"error": cerr.Reason}
		if cerr.Status != "" {
			body["status"] = cerr.Status
		}
		return c.Status(fiber.StatusConflict).JSON(body)
	case errors.As(err, &aderr):
		h.log.WithField("op", aderr.Op).WithError(aderr.Err).Warn("Provider call failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": fmt.Sprintf("%s failed, please try again", aderr.Op),
		})
	default:
		h.log.WithFields(log.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).WithError(err).Error("Request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}

// Health is unauthenticated.
func (h *Handler) Health(c *fiber.Ctx) error {
	circuits := make(map[string]string, len(h.circuits))
	for name, r := range h.circuits {
		circuits[name] = r.CircuitState()
	}
	return c.JSON(fiber.Map{
		"message":  "SecureEscrow API v1.0",
		"status":   "running",
		"circuits": circuits,
	})
}
