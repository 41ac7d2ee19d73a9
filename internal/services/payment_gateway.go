package services

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrOutcomeUnknown means the request may or may not have taken effect at
	// the provider: a timeout, a dropped connection or a 5xx answer.
	ErrOutcomeUnknown = errors.New("payment provider outcome unknown")

	// ErrCircuitOpen means the call was short-circuited and never sent.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidSignature is returned by VerifyWebhook.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// GatewayError is a definitive rejection from a provider. Nothing happened.
type GatewayError struct {
	Reason     string
	Code       string
	StatusCode int
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway rejected request (%d %s): %s", e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("gateway rejected request (%d): %s", e.StatusCode, e.Reason)
}

// IsDefinitive reports whether err guarantees the call had no effect.
func IsDefinitive(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) || errors.Is(err, ErrCircuitOpen)
}

type HoldRequest struct {
	AmountMinor     int64
	Currency        string
	PaymentMethodID string
	Metadata        map[string]string
	IdempotencyKey  string
}

type TransferRequest struct {
	AmountMinor    int64
	Currency       string
	Destination    string
	Metadata       map[string]string
	IdempotencyKey string
}

type RefundRequest struct {
	HoldID string
	// AmountMinor of zero refunds the full captured amount.
	AmountMinor    int64
	IdempotencyKey string
}

type CaptureResult struct {
	HoldID         string
	AmountCaptured int64
	Status         string
}

// WebhookEvent is the verified envelope of a provider callback.
type WebhookEvent struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Object map[string]interface{} `json:"object"`
}

// PaymentGateway holds, captures and moves funds. All amounts are in minor
// currency units.
type PaymentGateway interface {
	CreateHold(ctx context.Context, req HoldRequest) (string, error)
	CaptureHold(ctx context.Context, holdID, idempotencyKey string) (*CaptureResult, error)
	CancelHold(ctx context.Context, holdID, idempotencyKey string) error
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
	VerifyWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error)
}
