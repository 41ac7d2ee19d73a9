package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// WebhookTolerance bounds how old a signed webhook timestamp may be.
const WebhookTolerance = 5 * time.Minute

type StripeConfig struct {
	SecretKey     string
	BaseURL       string
	WebhookSecret string
	Timeout       time.Duration
}

// StripeGateway talks to a Stripe-compatible API using manual-capture
// payment intents.
type StripeGateway struct {
	client        *resty.Client
	breaker       *Breaker
	webhookSecret string
	now           func() time.Time
}

type stripeObject struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AmountReceived int64  `json:"amount_received"`
}

type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SecretKey == "" {
		log.Warn("PAYMENT_SECRET_KEY is empty, payment calls will be rejected")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0). // money movement is never retried blindly
		SetAuthToken(cfg.SecretKey).
		SetHeader("Accept", "application/json")

	return &StripeGateway{
		client:        client,
		breaker:       NewBreaker("payment-gateway"),
		webhookSecret: cfg.WebhookSecret,
		now:           time.Now,
	}
}

func metadataForm(form map[string]string, metadata map[string]string) {
	for k, v := range metadata {
		form["metadata["+k+"]"] = v
	}
}

// CircuitState reports the payment breaker: closed, open or half-open.
func (g *StripeGateway) CircuitState() string {
	return g.breaker.State()
}

// post sends one form-encoded request and classifies the result.
func (g *StripeGateway) post(ctx context.Context, path, idempotencyKey string, form map[string]string) (*stripeObject, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		var out stripeObject
		var errBody stripeErrorBody

		req := g.client.R().
			SetContext(ctx).
			SetResult(&out).
			SetError(&errBody)
		if idempotencyKey != "" {
			req.SetHeader("Idempotency-Key", idempotencyKey)
		}
		if len(form) > 0 {
			req.SetFormData(form)
		}

		resp, err := req.Post(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrOutcomeUnknown, path, err)
		}
		return classifyResponse(resp, &out, errBody.Error.Code, errBody.Error.Message)
	})
	if err != nil {
		log.WithFields(log.Fields{
			"path":            path,
			"idempotency_key": idempotencyKey,
		}).WithError(err).Warn("Payment gateway call failed")
		return nil, err
	}
	return result.(*stripeObject), nil
}

func classifyResponse(resp *resty.Response, out *stripeObject, code, message string) (interface{}, error) {
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		if out.ID == "" {
			return nil, fmt.Errorf("%w: response without object id", ErrOutcomeUnknown)
		}
		return out, nil
	case status >= 500, status == http.StatusConflict:
		// 409 is a concurrent request on the same idempotency key.
		return nil, fmt.Errorf("%w: provider answered %d", ErrOutcomeUnknown, status)
	default:
		if message == "" {
			message = http.StatusText(status)
		}
		return nil, &GatewayError{Reason: message, Code: code, StatusCode: status}
	}
}

func (g *StripeGateway) CreateHold(ctx context.Context, req HoldRequest) (string, error) {
	form := map[string]string{
		"amount":                 strconv.FormatInt(req.AmountMinor, 10),
		"currency":               req.Currency,
		"capture_method":         "manual",
		"payment_method_types[]": "card",
	}
	if req.PaymentMethodID != "" {
		form["payment_method"] = req.PaymentMethodID
		form["confirm"] = "true"
	}
	metadataForm(form, req.Metadata)

	obj, err := g.post(ctx, "/v1/payment_intents", req.IdempotencyKey, form)
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (g *StripeGateway) CaptureHold(ctx context.Context, holdID, idempotencyKey string) (*CaptureResult, error) {
	obj, err := g.post(ctx, "/v1/payment_intents/"+holdID+"/capture", idempotencyKey, nil)
	if err != nil {
		return nil, err
	}
	return &CaptureResult{HoldID: obj.ID, AmountCaptured: obj.AmountReceived, Status: obj.Status}, nil
}

func (g *StripeGateway) CancelHold(ctx context.Context, holdID, idempotencyKey string) error {
	_, err := g.post(ctx, "/v1/payment_intents/"+holdID+"/cancel", idempotencyKey, nil)
	return err
}

func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	form := map[string]string{
		"amount":      strconv.FormatInt(req.AmountMinor, 10),
		"currency":    req.Currency,
		"destination": req.Destination,
	}
	metadataForm(form, req.Metadata)

	obj, err := g.post(ctx, "/v1/transfers", req.IdempotencyKey, form)
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	form := map[string]string{"payment_intent": req.HoldID}
	if req.AmountMinor > 0 {
		form["amount"] = strconv.FormatInt(req.AmountMinor, 10)
	}

	obj, err := g.post(ctx, "/v1/refunds", req.IdempotencyKey, form)
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

// VerifyWebhook checks a "t=<unix>,v1=<hex hmac>" signature header over
// "<t>.<payload>" and decodes the event.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(signatureHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := g.now().Sub(time.Unix(ts, 0))
	if age > WebhookTolerance || age < -WebhookTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := SignWebhook(g.webhookSecret, timestamp, payload)
	valid := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object map[string]interface{} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &WebhookEvent{ID: raw.ID, Type: raw.Type, Object: raw.Data.Object}, nil
}

// SignWebhook returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func SignWebhook(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
