// Package escrow is the transaction lifecycle engine. Every status change,
// whether it comes from a request handler or the scheduled job, goes through
// the transition table in machine.go and a conditional write in the store.
package escrow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"SecureEscrow/internal/fees"
	"SecureEscrow/internal/metrics"
	"SecureEscrow/internal/models"
	"SecureEscrow/internal/services"
	"SecureEscrow/internal/store"
)

// Actor is the caller of an operation.
type Actor struct {
	UserID    string
	Role      string
	IP        string
	UserAgent string
	// System marks the scheduler. It is never set from a request.
	System bool
}

func SystemActor() Actor {
	return Actor{UserID: "system", System: true}
}

func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

type Options struct {
	Fees             fees.Schedule
	Currency         string
	AutoReleaseGrace time.Duration
	AdapterTimeout   time.Duration
	SettlementTTL    time.Duration
	Now              func() time.Time
	Logger           log.FieldLogger
}

type Engine struct {
	store    *store.Store
	gateway  services.PaymentGateway
	tracker  services.ShipmentTracker
	notifier services.Notifier
	opts     Options
	log      log.FieldLogger
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, services.Notice) {}

func NewEngine(st *store.Store, gateway services.PaymentGateway, tracker services.ShipmentTracker, notifier services.Notifier, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.AutoReleaseGrace <= 0 {
		opts.AutoReleaseGrace = 240 * time.Hour
	}
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = 10 * time.Second
	}
	if opts.SettlementTTL <= 0 {
		opts.SettlementTTL = 15 * time.Minute
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	return &Engine{
		store:    st,
		gateway:  gateway,
		tracker:  tracker,
		notifier: notifier,
		opts:     opts,
		log:      opts.Logger.WithField("component", "escrow"),
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// adapterContext bounds a provider call. Cancellation of the caller does not
// propagate, so a dropped client cannot turn a settled call into an unknown one.
func (e *Engine) adapterContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.AdapterTimeout)
}

func (e *Engine) loadErr(err error, resource, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return err
}

func (e *Engine) load(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, e.loadErr(err, "Transaction", id)
	}
	return t, nil
}

// withLock runs fn against the locked row and maps store errors.
func (e *Engine) withLock(ctx context.Context, id string, fn func(tx *store.Tx, t *models.Transaction) error) error {
	err := e.store.WithLock(ctx, id, fn)
	if err != nil {
		return e.loadErr(err, "Transaction", id)
	}
	return nil
}

func (e *Engine) transitioned(trigger Trigger, t *models.Transaction, from models.TransactionStatus) {
	metrics.TransitionsTotal.WithLabelValues(string(trigger), string(t.Status)).Inc()
	e.log.WithFields(log.Fields{
		"transaction_id": t.ID,
		"trigger":        trigger,
		"from":           from,
		"to":             t.Status,
	}).Info("Transaction status changed")
}

func moneyString(t *models.Transaction, amount decimal.Decimal) string {
	return fmt.Sprintf("%s %s", amount.StringFixed(fees.MinorUnitPlaces), strings.ToUpper(t.Currency))
}

// notify sends one notice per listed user. Lookups that fail are skipped.
func (e *Engine) notify(ctx context.Context, t *models.Transaction, typ models.NotificationType, title, message string, userIDs ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range userIDs {
		n := services.Notice{
			UserID:  id,
			Type:    typ,
			Title:   title,
			Message: message,
			Data: map[string]interface{}{
				"transaction_id": t.ID,
				"status":         t.Status,
			},
		}
		if u, err := e.store.FindUser(ctx, id); err == nil {
			n.Email = u.Email
		}
		e.notifier.Notify(ctx, n)
	}
}

// CreateInput is what a buyer supplies to open a transaction. The seller is
// identified by id or email.
type CreateInput struct {
	SellerID           string
	SellerEmail        string
	ProductName        string
	ProductDescription string
	ProductURL         string
	ProductImageURL    string
	Amount             decimal.Decimal
	ConfirmationType   models.ConfirmationType
}

func validProductURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (in CreateInput) validate() error {
	if len(strings.TrimSpace(in.ProductName)) < 3 {
		return invalid("Product name must be at least 3 characters")
	}
	if len(strings.TrimSpace(in.ProductDescription)) < 10 {
		return invalid("Description must be at least 10 characters")
	}
	if !validProductURL(in.ProductURL) {
		return invalid("Invalid product URL")
	}
	if in.ProductImageURL != "" && !validProductURL(in.ProductImageURL) {
		return invalid("Invalid product image URL")
	}
	if !in.Amount.IsPositive() {
		return invalid("Amount must be positive")
	}
	if !in.Amount.Equal(in.Amount.Round(fees.MinorUnitPlaces)) {
		return invalid("Amount must have at most %d decimal places", fees.MinorUnitPlaces)
	}
	if in.Amount.GreaterThan(fees.MaxAmount) {
		return invalid("Amount must not exceed %s", fees.MaxAmount.StringFixed(fees.MinorUnitPlaces))
	}
	if !in.ConfirmationType.Valid() {
		return invalid("Invalid confirmation type")
	}
	if in.SellerID == "" && in.SellerEmail == "" {
		return invalid("Seller id or email is required")
	}
	return nil
}

// Create opens a transaction in PENDING_CONFIRMATION with its fees fixed.
func (e *Engine) Create(ctx context.Context, actor Actor, in CreateInput) (*models.Transaction, error) {
	if actor.UserID == "" || actor.System {
		return nil, forbidden("Unauthorized")
	}
	if in.ConfirmationType == "" {
		in.ConfirmationType = models.ConfirmByBothParties
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var seller *models.User
	var err error
	if in.SellerID != "" {
		seller, err = e.store.FindUser(ctx, in.SellerID)
	} else {
		seller, err = e.store.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(in.SellerEmail)))
	}
	if err != nil {
		return nil, e.loadErr(err, "Seller", in.SellerID+in.SellerEmail)
	}
	if seller.ID == actor.UserID {
		return nil, invalid("Buyer and seller must be different users")
	}

	breakdown, err := e.opts.Fees.Calculate(in.Amount)
	if err != nil {
		return nil, invalid("%v", err)
	}

	t := &models.Transaction{
		BuyerID:            actor.UserID,
		SellerID:           seller.ID,
		ProductName:        strings.TrimSpace(in.ProductName),
		ProductDescription: strings.TrimSpace(in.ProductDescription),
		ProductURL:         strings.TrimSpace(in.ProductURL),
		ProductImageURL:    strings.TrimSpace(in.ProductImageURL),
		Currency:           e.opts.Currency,
		Amount:             breakdown.Amount,
		PlatformFee:        breakdown.PlatformFee,
		BankFee:            breakdown.BankFee,
		TotalFees:          breakdown.TotalFees,
		SellerReceives:     breakdown.SellerReceives,
		PlatformFeePercent: e.opts.Fees.PlatformPercent,
		BankFeePercent:     e.opts.Fees.BankPercent,
		ConfirmationType:   in.ConfirmationType,
		Status:             models.StatusPendingConfirmation,
	}

	if in.ConfirmationType == models.ConfirmByPasscode {
		passcode, err := services.GeneratePasscode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate passcode: %w", err)
		}
		t.ConfirmationPasscode = &passcode
	}

	if err := e.store.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	amount, _ := t.Amount.Float64()
	metrics.EscrowAmount.Observe(amount)
	metrics.TransitionsTotal.WithLabelValues("create", string(t.Status)).Inc()
	e.log.WithFields(log.Fields{
		"transaction_id": t.ID,
		"buyer_id":       t.BuyerID,
		"seller_id":      t.SellerID,
		"amount":         t.Amount.String(),
	}).Info("Transaction created")

	e.notify(ctx, t, models.NotificationTransactionCreated, "New Escrow Request",
		fmt.Sprintf("You have a new escrow request for %q worth %s. Please confirm it.", t.ProductName, moneyString(t, t.Amount)),
		t.SellerID)
	if t.ConfirmationPasscode != nil {
		e.notify(ctx, t, models.NotificationPasscodeIssued, "Your Confirmation Passcode",
			fmt.Sprintf("Use passcode %s to confirm the escrow for %q.", *t.ConfirmationPasscode, t.ProductName),
			t.BuyerID, t.SellerID)
	}

	return t, nil
}

// Confirm sets the caller's confirmation flag and advances to
// PENDING_PAYMENT once both parties have confirmed. Repeating a confirmation
// is a no-op.
func (e *Engine) Confirm(ctx context.Context, actor Actor, id, passcode string) (*models.Transaction, error) {
	var result *models.Transaction
	var from models.TransactionStatus
	advanced := false

	err := e.withLock(ctx, id, func(tx *store.Tx, t *models.Transaction) error {
		isBuyer := t.BuyerID == actor.UserID
		isSeller := t.SellerID == actor.UserID
		if !isBuyer && !isSeller {
			return forbidden("Unauthorized - not party to this transaction")
		}

		if (isBuyer && t.BuyerConfirmed) || (isSeller && t.SellerConfirmed) {
			result = t
			return nil
		}
		if t.Status != models.StatusPendingConfirmation {
			return conflict(t, "Transaction is not awaiting confirmation")
		}

		if t.ConfirmationType == models.ConfirmByPasscode {
			if passcode == "" {
				return invalid("Passcode required")
			}
			if t.ConfirmationPasscode == nil ||
				subtle.ConstantTimeCompare([]byte(passcode), []byte(*t.ConfirmationPasscode)) != 1 {
				return invalid("Invalid passcode")
			}
		}

		now := e.now()
		from = t.Status
		if isBuyer {
			t.BuyerConfirmed = true
		}
		if isSeller {
			t.SellerConfirmed = true
		}
		if t.BuyerConfirmed && t.SellerConfirmed {
			to, _ := Next(t.Status, TriggerConfirm)
			t.Status = to
			t.ConfirmedAt = &now
			advanced = true
		}

		if err := tx.SaveIf(t, from); err != nil {
			return err
		}
		if err := tx.AppendConfirmation(&models.Confirmation{
			TransactionID: t.ID,
			UserID:        actor.UserID,
			ConfirmedAt:   now,
			IPAddress:     actor.IP,
			UserAgent:     actor.UserAgent,
		}); err != nil {
			return err
		}

		result = t
		return nil
	})
	if err != nil {
		return nil, e.conflictOnRace(err)
	}

	if advanced {
		e.transitioned(TriggerConfirm, result, from)
		e.notify(ctx, result, models.NotificationTransactionConfirmed, "Transaction Confirmed",
			fmt.Sprintf("Both parties confirmed %q. The buyer can now pay.", result.ProductName),
			result.BuyerID, result.SellerID)
	}
	return result, nil
}

func (e *Engine) conflictOnRace(err error) error {
	if errors.Is(err, store.ErrStatusChanged) {
		return &StateConflictError{Reason: "Transaction was modified concurrently, please retry"}
	}
	return err
}

// PayInput carries the buyer's payment method reference.
type PayInput struct {
	PaymentMethodID string
}

func holdKey(id string) string     { return "escrow-" + id + "-hold" }
func captureKey(id string) string  { return "escrow-" + id + "-capture" }
func transferKey(id string) string { return "escrow-" + id + "-transfer" }
func cancelKey(id string) string   { return "escrow-" + id + "-cancel" }
func refundKey(id string) string   { return "escrow-" + id + "-refund" }

// Pay places an uncaptured hold for the full amount and moves to
// PAYMENT_HELD.
func (e *Engine) Pay(ctx context.Context, actor Actor, id string, in PayInput) (*models.Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != actor.UserID {
		return nil, forbidden("Only the buyer can make payment")
	}
	if t.Status != models.StatusPendingPayment {
		return nil, conflict(t, "Transaction not ready for payment")
	}
	if !t.BuyerConfirmed || !t.SellerConfirmed {
		return nil, conflict(t, "Both parties must confirm before payment")
	}
	to, ok := Next(t.Status, TriggerPay)
	if !ok {
		return nil, conflict(t, "Transaction not ready for payment")
	}

	actx, cancel := e.adapterContext(ctx)
	defer cancel()

	holdID, err := e.gateway.CreateHold(actx, services.HoldRequest{
		AmountMinor:     fees.ToMinorUnits(t.Amount),
		Currency:        t.Currency,
		PaymentMethodID: in.PaymentMethodID,
		IdempotencyKey:  holdKey(t.ID),
		Metadata: map[string]string{
			"transactionId": t.ID,
			"buyerId":       t.BuyerID,
			"sellerId":      t.SellerID,
			"productName":   t.ProductName,
		},
	})
	if err != nil {
		// The hold key makes a retry return the same hold, so the
		// transaction simply stays PENDING_PAYMENT.
		return nil, &AdapterError{Op: "payment hold", Err: err}
	}

	now := e.now()
	from := t.Status
	t.PaymentHoldID = holdID
	t.Status = to
	t.PaidAt = &now
	if err := e.store.SaveIf(ctx, t, from); err != nil {
		return nil, e.conflictOnRace(err)
	}

	e.transitioned(TriggerPay, t, from)
	e.notify(ctx, t, models.NotificationPaymentHeld, "Payment Held in Escrow",
		fmt.Sprintf("%s for %q is held in escrow. The seller can ship now.", moneyString(t, t.Amount), t.ProductName),
		t.BuyerID, t.SellerID)
	return t, nil
}

// ShipInput is the seller's shipment declaration.
type ShipInput struct {
	TrackingNumber string
	Carrier        string
}

// Ship records the shipment, fixes the auto-release deadline and registers
// the tracking number. Registration failures never block shipping.
func (e *Engine) Ship(ctx context.Context, actor Actor, id string, in ShipInput) (*models.Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.SellerID != actor.UserID {
		return nil, forbidden("Only the seller can mark the item as shipped")
	}

	trackingNumber := strings.TrimSpace(in.TrackingNumber)
	if len(trackingNumber) < 5 {
		return nil, invalid("Invalid tracking number")
	}
	if len(strings.TrimSpace(in.Carrier)) < 2 {
		return nil, invalid("Carrier name required")
	}

	to, ok := Next(t.Status, TriggerShip)
	if !ok {
		return nil, conflict(t, "Transaction not ready for shipping")
	}

	now := e.now()
	deadline := now.Add(e.opts.AutoReleaseGrace)
	from := t.Status
	t.TrackingNumber = trackingNumber
	t.TrackingCarrier = services.NormalizeCarrier(in.Carrier)
	t.ShippedAt = &now
	t.AutoReleaseAt = &deadline
	t.Status = to
	if err := e.store.SaveIf(ctx, t, from); err != nil {
		return nil, e.conflictOnRace(err)
	}
	e.transitioned(TriggerShip, t, from)

	actx, cancel := e.adapterContext(ctx)
	defer cancel()
	if err := e.tracker.RegisterTracking(actx, t.TrackingNumber, t.TrackingCarrier); err != nil {
		e.log.WithFields(log.Fields{
			"transaction_id":  t.ID,
			"tracking_number": t.TrackingNumber,
			"carrier":         t.TrackingCarrier,
		}).WithError(err).Warn("Failed to register tracking, continuing")
	}

	e.notify(ctx, t, models.NotificationShipped, "Item Shipped",
		fmt.Sprintf("%q has shipped with %s (tracking %s).", t.ProductName, t.TrackingCarrier, t.TrackingNumber),
		t.BuyerID)
	return t, nil
}

func (e *Engine) canView(actor Actor, t *models.Transaction) bool {
	return actor.System || actor.IsAdmin() || t.IsParty(actor.UserID)
}

// Get returns a transaction visible to actor.
func (e *Engine) Get(ctx context.Context, actor Actor, id string) (*models.Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.canView(actor, t) {
		return nil, forbidden("Unauthorized - not party to this transaction")
	}
	return t, nil
}

func (e *Engine) ListForUser(ctx context.Context, actor Actor, role string) ([]models.Transaction, error) {
	if role != "" && role != "buyer" && role != "seller" {
		return nil, invalid("role must be buyer or seller")
	}
	return e.store.ListForUser(ctx, actor.UserID, role)
}

// ListByStatus is the operator view, e.g. every transaction awaiting
// reconciliation.
func (e *Engine) ListByStatus(ctx context.Context, actor Actor, statuses ...models.TransactionStatus) ([]models.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("Admin access required")
	}
	return e.store.ListByStatus(ctx, statuses...)
}

func (e *Engine) TrackingHistory(ctx context.Context, actor Actor, id string) ([]models.TrackingUpdate, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.TrackingHistory(ctx, id)
}

// Disputes lists every dispute raised on a transaction, newest first.
func (e *Engine) Disputes(ctx context.Context, actor Actor, id string) ([]models.Dispute, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.DisputesForTransaction(ctx, id)
}

// DetectCarrier asks the tracking provider which carrier issued a number.
func (e *Engine) DetectCarrier(ctx context.Context, trackingNumber string) (string, error) {
	if len(strings.TrimSpace(trackingNumber)) < 5 {
		return "", invalid("Invalid tracking number")
	}
	actx, cancel := e.adapterContext(ctx)
	defer cancel()

	carrier, err := e.tracker.DetectCarrier(actx, strings.TrimSpace(trackingNumber))
	if err != nil {
		return "", &AdapterError{Op: "carrier detection", Err: err}
	}
	return carrier, nil
}
