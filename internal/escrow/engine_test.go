package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"SecureEscrow/internal/fees"
	"SecureEscrow/internal/models"
	"SecureEscrow/internal/services"
	"SecureEscrow/internal/store"
	"SecureEscrow/internal/testutil"
)

type fakeGateway struct {
	mu sync.Mutex

	holds, captures, cancels, transfers, refunds int
	holdErr, captureErr, cancelErr, transferErr  error
	refundErr                                    error
	captureDelay                                 time.Duration
	lastTransfer                                 services.TransferRequest
}

func (g *fakeGateway) CreateHold(_ context.Context, req services.HoldRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds++
	if g.holdErr != nil {
		return "", g.holdErr
	}
	return "pi_" + req.IdempotencyKey, nil
}

func (g *fakeGateway) CaptureHold(_ context.Context, holdID, _ string) (*services.CaptureResult, error) {
	time.Sleep(g.captureDelay)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures++
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	return &services.CaptureResult{HoldID: holdID, Status: "succeeded"}, nil
}

func (g *fakeGateway) CancelHold(context.Context, string, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return g.cancelErr
}

func (g *fakeGateway) Transfer(_ context.Context, req services.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers++
	g.lastTransfer = req
	if g.transferErr != nil {
		return "", g.transferErr
	}
	return fmt.Sprintf("tr_%d", g.transfers), nil
}

func (g *fakeGateway) Refund(context.Context, services.RefundRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	if g.refundErr != nil {
		return "", g.refundErr
	}
	return "re_1", nil
}

func (g *fakeGateway) VerifyWebhook([]byte, string) (*services.WebhookEvent, error) {
	return nil, services.ErrInvalidSignature
}

func (g *fakeGateway) counts() (captures, transfers int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures, g.transfers
}

type fakeTracker struct {
	status      *services.ShipmentStatus
	err         error
	registerErr error
	registered  int
}

func (f *fakeTracker) RegisterTracking(context.Context, string, string) error {
	f.registered++
	return f.registerErr
}

func (f *fakeTracker) GetStatus(context.Context, string, string) (*services.ShipmentStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

func (f *fakeTracker) IsDelivered(ctx context.Context, number, carrier string) (bool, error) {
	s, err := f.GetStatus(ctx, number, carrier)
	if err != nil {
		return false, err
	}
	return s.Delivered(), nil
}

func (f *fakeTracker) DetectCarrier(context.Context, string) (string, error) {
	return "ups", nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []services.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n services.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) ofType(typ models.NotificationType) []services.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []services.Notice
	for _, n := range r.notices {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	buyer    = Actor{UserID: "buyer-1", Role: models.RoleUser}
	seller   = Actor{UserID: "seller-1", Role: models.RoleUser}
	stranger = Actor{UserID: "stranger-1", Role: models.RoleUser}
	admin    = Actor{UserID: "admin-1", Role: models.RoleAdmin}

	t0 = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
)

const grace = 10 * 24 * time.Hour

type harness struct {
	engine   *Engine
	db       *gorm.DB
	gw       *fakeGateway
	tracker  *fakeTracker
	notifier *recordingNotifier
	clock    *clock
	logs     *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	testutil.SeedUser(t, db, "buyer-1", "buyer@example.com", "")
	testutil.SeedUser(t, db, "seller-1", "seller@example.com", "acct_seller")
	testutil.SeedUser(t, db, "seller-2", "nopayout@example.com", "")
	testutil.SeedUser(t, db, "stranger-1", "stranger@example.com", "")

	schedule, err := fees.NewSchedule(2, 3)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		db:       db,
		gw:       &fakeGateway{},
		tracker:  &fakeTracker{status: &services.ShipmentStatus{Status: "transit"}},
		notifier: &recordingNotifier{},
		clock:    &clock{now: t0},
		logs:     hook,
	}
	h.engine = NewEngine(store.New(db), h.gw, h.tracker, h.notifier, Options{
		Fees:             schedule,
		Currency:         "usd",
		AutoReleaseGrace: grace,
		AdapterTimeout:   time.Second,
		SettlementTTL:    15 * time.Minute,
		Now:              h.clock.Now,
		Logger:           logger,
	})
	return h
}

func (h *harness) create(t *testing.T, sellerID string, typ models.ConfirmationType) *models.Transaction {
	t.Helper()
	tx, err := h.engine.Create(context.Background(), buyer, CreateInput{
		SellerID:           sellerID,
		ProductName:        "Vintage camera",
		ProductDescription: "A working 1970s rangefinder camera",
		ProductURL:         "https://shop.example.com/items/42",
		Amount:             decimal.RequireFromString("1000.00"),
		ConfirmationType:   typ,
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) paid(t *testing.T, sellerID string) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := h.create(t, sellerID, models.ConfirmByBothParties)

	_, err := h.engine.Confirm(ctx, buyer, tx.ID, "")
	require.NoError(t, err)
	_, err = h.engine.Confirm(ctx, Actor{UserID: sellerID}, tx.ID, "")
	require.NoError(t, err)

	tx, err = h.engine.Pay(ctx, buyer, tx.ID, PayInput{PaymentMethodID: "pm_card_visa"})
	require.NoError(t, err)
	require.Equal(t, models.StatusPaymentHeld, tx.Status)
	return tx
}

func (h *harness) shipped(t *testing.T) *models.Transaction {
	t.Helper()
	tx := h.paid(t, "seller-1")
	tx, err := h.engine.Ship(context.Background(), seller, tx.ID, ShipInput{TrackingNumber: "1Z999AA10123456784", Carrier: "UPS"})
	require.NoError(t, err)
	return tx
}

func (h *harness) reload(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := h.engine.Get(context.Background(), admin, id)
	require.NoError(t, err)
	return tx
}

func (h *harness) deliver(t *testing.T, id string) {
	t.Helper()
	h.tracker.status = &services.ShipmentStatus{
		Status: "delivered",
		Checkpoints: []services.Checkpoint{
			{Status: "delivered", Description: "Left at front door", Time: h.clock.Now().Add(-time.Hour)},
		},
	}
	_, err := h.engine.CheckTracking(context.Background(), id)
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateFixesFees(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "seller-1", "")

	assert.Equal(t, models.StatusPendingConfirmation, tx.Status)
	assert.Equal(t, models.ConfirmByBothParties, tx.ConfirmationType)
	assert.True(t, tx.PlatformFee.Equal(dec("20")), tx.PlatformFee.String())
	assert.True(t, tx.BankFee.Equal(dec("30")), tx.BankFee.String())
	assert.True(t, tx.TotalFees.Equal(dec("50")), tx.TotalFees.String())
	assert.True(t, tx.SellerReceives.Equal(dec("950")), tx.SellerReceives.String())

	stored := h.reload(t, tx.ID)
	assert.True(t, stored.SellerReceives.Equal(dec("950")))
	assert.Len(t, h.notifier.ofType(models.NotificationTransactionCreated), 1)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := CreateInput{
		SellerID:           "seller-1",
		ProductName:        "Vintage camera",
		ProductDescription: "A working 1970s rangefinder camera",
		ProductURL:         "https://shop.example.com/items/42",
		Amount:             dec("10"),
	}

	in := base
	in.ProductName = "ab"
	_, err := h.engine.Create(ctx, buyer, in)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	in = base
	in.ProductURL = "ftp://example.com/x"
	_, err = h.engine.Create(ctx, buyer, in)
	assert.ErrorAs(t, err, &verr)

	in = base
	in.Amount = dec("0")
	_, err = h.engine.Create(ctx, buyer, in)
	assert.ErrorAs(t, err, &verr)

	in = base
	in.SellerID = "buyer-1"
	_, err = h.engine.Create(ctx, buyer, in)
	assert.ErrorAs(t, err, &verr)

	in = base
	in.SellerID = ""
	in.SellerEmail = "nobody@example.com"
	_, err = h.engine.Create(ctx, buyer, in)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Seller", nf.Resource)

	in = base
	in.SellerID = ""
	in.SellerEmail = "Seller@Example.com"
	tx, err := h.engine.Create(ctx, buyer, in)
	require.NoError(t, err)
	assert.Equal(t, "seller-1", tx.SellerID)
}

func TestCreateRejectsAmountsOutsideMinorUnits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := CreateInput{
		SellerID:           "seller-1",
		ProductName:        "Vintage camera",
		ProductDescription: "A working 1970s rangefinder camera",
		ProductURL:         "https://shop.example.com/items/42",
	}

	cases := []struct {
		amount string
		reason string
	}{
		{"10.005", "Amount must have at most 2 decimal places"},
		{"0.001", "Amount must have at most 2 decimal places"},
		{"1000000000000", "Amount must not exceed 999999999999.99"},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			in := base
			in.Amount = dec(tc.amount)
			tx, err := h.engine.Create(ctx, buyer, in)
			assert.Nil(t, tx)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.reason, verr.Reason)
		})
	}

	in := base
	in.Amount = dec("999999999999.99")
	tx, err := h.engine.Create(ctx, buyer, in)
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(fees.MaxAmount))

	txs, err := h.engine.ListForUser(ctx, buyer, "buyer")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestConfirmIsOrderIndependent(t *testing.T) {
	orders := map[string][]Actor{
		"buyer first":  {buyer, seller},
		"seller first": {seller, buyer},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			tx := h.create(t, "seller-1", models.ConfirmByBothParties)

			tx, err := h.engine.Confirm(ctx, order[0], tx.ID, "")
			require.NoError(t, err)
			assert.Equal(t, models.StatusPendingConfirmation, tx.Status)

			// Repeat confirmations change nothing.
			tx, err = h.engine.Confirm(ctx, order[0], tx.ID, "")
			require.NoError(t, err)
			assert.Equal(t, models.StatusPendingConfirmation, tx.Status)

			tx, err = h.engine.Confirm(ctx, order[1], tx.ID, "")
			require.NoError(t, err)
			assert.Equal(t, models.StatusPendingPayment, tx.Status)
			assert.True(t, tx.BuyerConfirmed)
			assert.True(t, tx.SellerConfirmed)
			assert.NotNil(t, tx.ConfirmedAt)

			confirmations, err := store.New(h.db).Confirmations(ctx, tx.ID)
			require.NoError(t, err)
			assert.Len(t, confirmations, 2)
		})
	}
}

func TestConfirmRejectsStranger(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "seller-1", "")

	_, err := h.engine.Confirm(context.Background(), stranger, tx.ID, "")
	var aerr *AuthorizationError
	assert.ErrorAs(t, err, &aerr)
}

func TestConfirmPasscode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "seller-1", models.ConfirmByPasscode)
	require.NotNil(t, tx.ConfirmationPasscode)
	assert.Len(t, *tx.ConfirmationPasscode, 6)

	var verr *ValidationError
	_, err := h.engine.Confirm(ctx, buyer, tx.ID, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Passcode required", verr.Reason)

	_, err = h.engine.Confirm(ctx, buyer, tx.ID, "not-it")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Invalid passcode", verr.Reason)

	updated, err := h.engine.Confirm(ctx, buyer, tx.ID, *tx.ConfirmationPasscode)
	require.NoError(t, err)
	assert.True(t, updated.BuyerConfirmed)
	assert.Len(t, h.notifier.ofType(models.NotificationPasscodeIssued), 2)
}

func TestPayRequiresBothConfirmations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "seller-1", "")

	_, err := h.engine.Confirm(ctx, buyer, tx.ID, "")
	require.NoError(t, err)

	_, err = h.engine.Pay(ctx, buyer, tx.ID, PayInput{})
	var cerr *StateConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.StatusPendingConfirmation, cerr.Status)
	assert.Zero(t, h.gw.holds)
}

func TestPayOnlyByBuyer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "seller-1", "")
	_, _ = h.engine.Confirm(ctx, buyer, tx.ID, "")
	_, _ = h.engine.Confirm(ctx, seller, tx.ID, "")

	_, err := h.engine.Pay(ctx, seller, tx.ID, PayInput{})
	var aerr *AuthorizationError
	assert.ErrorAs(t, err, &aerr)
}

func TestPayHoldFailureKeepsPendingPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "seller-1", "")
	_, _ = h.engine.Confirm(ctx, buyer, tx.ID, "")
	_, _ = h.engine.Confirm(ctx, seller, tx.ID, "")

	h.gw.holdErr = &services.GatewayError{Reason: "card_declined", StatusCode: 402}
	_, err := h.engine.Pay(ctx, buyer, tx.ID, PayInput{})
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, models.StatusPendingPayment, h.reload(t, tx.ID).Status)

	h.gw.holdErr = nil
	paid, err := h.engine.Pay(ctx, buyer, tx.ID, PayInput{})
	require.NoError(t, err)
	assert.Equal(t, "pi_escrow-"+tx.ID+"-hold", paid.PaymentHoldID)
	assert.NotNil(t, paid.PaidAt)
}

func TestShipSetsDeadline(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)

	assert.Equal(t, models.StatusShipped, tx.Status)
	assert.Equal(t, "ups", tx.TrackingCarrier)
	require.NotNil(t, tx.AutoReleaseAt)
	assert.True(t, tx.AutoReleaseAt.Equal(t0.Add(grace)))
	assert.Equal(t, 1, h.tracker.registered)
}

func TestShipSucceedsWhenTrackingRegistrationFails(t *testing.T) {
	h := newHarness(t)
	h.tracker.registerErr = &services.GatewayError{Reason: "invalid api key", StatusCode: 401}
	tx := h.shipped(t)

	assert.Equal(t, models.StatusShipped, tx.Status)
	require.NotNil(t, tx.AutoReleaseAt)
	assert.True(t, tx.AutoReleaseAt.Equal(t0.Add(grace)))
	assert.Equal(t, 1, h.tracker.registered)

	stored := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusShipped, stored.Status)
	assert.NotNil(t, stored.AutoReleaseAt)
	assert.Len(t, h.notifier.ofType(models.NotificationShipped), 1)

	var warned *logrus.Entry
	for _, entry := range h.logs.AllEntries() {
		if entry.Message == "Failed to register tracking, continuing" {
			warned = entry
		}
	}
	require.NotNil(t, warned)
	assert.Equal(t, logrus.WarnLevel, warned.Level)
	assert.Equal(t, tx.ID, warned.Data["transaction_id"])
	assert.Equal(t, "1Z999AA10123456784", warned.Data["tracking_number"])
	assert.Equal(t, h.tracker.registerErr, warned.Data[logrus.ErrorKey])
}

func TestShipValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.paid(t, "seller-1")

	_, err := h.engine.Ship(ctx, buyer, tx.ID, ShipInput{TrackingNumber: "1Z999AA1", Carrier: "ups"})
	var aerr *AuthorizationError
	assert.ErrorAs(t, err, &aerr)

	_, err = h.engine.Ship(ctx, seller, tx.ID, ShipInput{TrackingNumber: "123", Carrier: "ups"})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	unpaid := h.create(t, "seller-1", "")
	_, err = h.engine.Ship(ctx, seller, unpaid.ID, ShipInput{TrackingNumber: "1Z999AA1", Carrier: "ups"})
	var cerr *StateConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestAutoReleaseWaitsForDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)

	h.clock.Advance(3 * 24 * time.Hour)
	h.deliver(t, tx.ID)

	delivered := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)
	assert.True(t, delivered.AutoReleaseAt.Equal(t0.Add(grace)), "delivery must not move the deadline")

	_, err := h.engine.Release(ctx, SystemActor(), tx.ID)
	var cerr *StateConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.StatusDelivered, h.reload(t, tx.ID).Status)

	h.clock.Advance(7 * 24 * time.Hour)
	released, err := h.engine.Release(ctx, SystemActor(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFundsReleased, released.Status)
	assert.Equal(t, "tr_1", released.TransferID)
	assert.True(t, released.HoldCaptured)

	captures, transfers := h.gw.counts()
	assert.Equal(t, 1, captures)
	assert.Equal(t, 1, transfers)
	assert.Equal(t, int64(95000), h.gw.lastTransfer.AmountMinor)
	assert.Equal(t, "acct_seller", h.gw.lastTransfer.Destination)
	assert.Equal(t, "escrow-"+tx.ID+"-transfer", h.gw.lastTransfer.IdempotencyKey)
}

func TestBuyerMayReleaseEarly(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)

	released, err := h.engine.Release(context.Background(), buyer, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFundsReleased, released.Status)
	assert.Len(t, h.notifier.ofType(models.NotificationFundsReleased), 2)
}

func TestSellerCannotRelease(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)

	_, err := h.engine.Release(context.Background(), seller, tx.ID)
	var aerr *AuthorizationError
	assert.ErrorAs(t, err, &aerr)
}

func TestReleaseBeforeShippingIsConflict(t *testing.T) {
	h := newHarness(t)
	tx := h.paid(t, "seller-1")

	_, err := h.engine.Release(context.Background(), buyer, tx.ID)
	var cerr *StateConflictError
	require.ErrorAs(t, err, &cerr)
	captures, _ := h.gw.counts()
	assert.Zero(t, captures)
}

func TestReleaseRequiresPayoutDestination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.paid(t, "seller-2")
	_, err := h.engine.Ship(ctx, Actor{UserID: "seller-2"}, tx.ID, ShipInput{TrackingNumber: "1Z999AA1", Carrier: "ups"})
	require.NoError(t, err)

	_, err = h.engine.Release(ctx, buyer, tx.ID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.StatusShipped, h.reload(t, tx.ID).Status)
}

func TestReleaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)

	first, err := h.engine.Release(ctx, buyer, tx.ID)
	require.NoError(t, err)
	second, err := h.engine.Release(ctx, admin, tx.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFundsReleased, second.Status)
	assert.Equal(t, first.TransferID, second.TransferID)
	captures, transfers := h.gw.counts()
	assert.Equal(t, 1, captures)
	assert.Equal(t, 1, transfers)
}

func TestConcurrentReleasesCaptureOnce(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)
	h.clock.Advance(grace + time.Minute)
	h.gw.captureDelay = 20 * time.Millisecond

	actors := []Actor{buyer, SystemActor(), admin, buyer, SystemActor(), admin, buyer, SystemActor()}
	errs := make([]error, len(actors))

	var wg sync.WaitGroup
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor Actor) {
			defer wg.Done()
			_, errs[i] = h.engine.Release(context.Background(), actor, tx.ID)
		}(i, actor)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var cerr *StateConflictError
		assert.ErrorAs(t, err, &cerr)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	captures, transfers := h.gw.counts()
	assert.Equal(t, 1, captures)
	assert.Equal(t, 1, transfers)
	assert.Equal(t, models.StatusFundsReleased, h.reload(t, tx.ID).Status)
}

func TestTransferTimeoutRequiresReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)
	h.gw.transferErr = fmt.Errorf("%w: context deadline exceeded", services.ErrOutcomeUnknown)

	_, err := h.engine.Release(ctx, buyer, tx.ID)
	var rerr *ReconciliationRequiredError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, services.ErrOutcomeUnknown)

	flagged := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusReconciliationRequired, flagged.Status)
	assert.True(t, flagged.HoldCaptured)
	assert.Empty(t, flagged.TransferID)
	assert.Contains(t, flagged.ReconciliationReason, "transfer outcome unknown")

	// A second attempt must not capture again.
	h.gw.transferErr = nil
	_, err = h.engine.Release(ctx, buyer, tx.ID)
	require.ErrorAs(t, err, &rerr)

	captures, transfers := h.gw.counts()
	assert.Equal(t, 1, captures)
	assert.Equal(t, 1, transfers)
	assert.Len(t, h.notifier.ofType(models.NotificationReconciliation), 2)

	var logged bool
	for _, entry := range h.logs.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "Transaction requires manual reconciliation" {
			logged = true
			assert.Equal(t, tx.ID, entry.Data["transaction_id"])
		}
	}
	assert.True(t, logged)
}

func TestDefinitiveCaptureRejectionRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)
	h.gw.captureErr = &services.GatewayError{Reason: "charge_expired_for_capture", StatusCode: 400}

	_, err := h.engine.Release(ctx, buyer, tx.ID)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "payment capture", aerr.Op)

	rolledBack := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusShipped, rolledBack.Status)
	assert.False(t, rolledBack.HoldCaptured)
	_, transfers := h.gw.counts()
	assert.Zero(t, transfers)

	h.gw.captureErr = nil
	released, err := h.engine.Release(ctx, buyer, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFundsReleased, released.Status)
}

func TestUnknownCaptureRequiresReconciliation(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)
	h.gw.captureErr = fmt.Errorf("%w: 502 from provider", services.ErrOutcomeUnknown)

	_, err := h.engine.Release(context.Background(), buyer, tx.ID)
	var rerr *ReconciliationRequiredError
	require.ErrorAs(t, err, &rerr)

	flagged := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusReconciliationRequired, flagged.Status)
	assert.False(t, flagged.HoldCaptured)
	_, transfers := h.gw.counts()
	assert.Zero(t, transfers)
}

func TestOpenCircuitIsDefinitive(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)
	h.gw.captureErr = services.ErrCircuitOpen

	_, err := h.engine.Release(context.Background(), buyer, tx.ID)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, models.StatusShipped, h.reload(t, tx.ID).Status)
}

func TestResolveReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)
	h.gw.transferErr = fmt.Errorf("%w: timeout", services.ErrOutcomeUnknown)
	_, err := h.engine.Release(ctx, buyer, tx.ID)
	require.Error(t, err)

	_, err = h.engine.ResolveReconciliation(ctx, buyer, tx.ID, ReconcileInput{Outcome: ReconciledReleased, Reference: "tr_manual"})
	var aerr *AuthorizationError
	require.ErrorAs(t, err, &aerr)

	_, err = h.engine.ResolveReconciliation(ctx, admin, tx.ID, ReconcileInput{Outcome: "maybe", Reference: "tr_manual"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	resolved, err := h.engine.ResolveReconciliation(ctx, admin, tx.ID, ReconcileInput{
		Outcome:   ReconciledReleased,
		Reference: "tr_manual",
		Note:      "transfer found in dashboard",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFundsReleased, resolved.Status)
	assert.Equal(t, "tr_manual", resolved.TransferID)
	assert.NotNil(t, resolved.CompletedAt)

	_, err = h.engine.ResolveReconciliation(ctx, admin, tx.ID, ReconcileInput{Outcome: ReconciledReleased, Reference: "tr_manual"})
	var cerr *StateConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestDisputeSingleActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.paid(t, "seller-1")
	in := DisputeInput{Reason: "Seller stopped answering messages after payment"}

	_, err := h.engine.Dispute(ctx, stranger, tx.ID, in)
	var aerr *AuthorizationError
	require.ErrorAs(t, err, &aerr)

	_, err = h.engine.Dispute(ctx, buyer, tx.ID, DisputeInput{Reason: "too short"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	d, err := h.engine.Dispute(ctx, buyer, tx.ID, in)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeOpen, d.Status)
	assert.Equal(t, "buyer-1", d.RaisedByID)
	assert.Equal(t, models.StatusDisputed, h.reload(t, tx.ID).Status)

	_, err = h.engine.Dispute(ctx, seller, tx.ID, in)
	var cerr *StateConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "An active dispute already exists for this transaction", cerr.Reason)

	raised := h.notifier.ofType(models.NotificationDisputeRaised)
	require.Len(t, raised, 1)
	assert.Equal(t, "seller-1", raised[0].UserID)
	assert.Equal(t, "seller@example.com", raised[0].Email)
}

func TestDisputeBlockedAfterRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)
	_, err := h.engine.Release(ctx, buyer, tx.ID)
	require.NoError(t, err)

	_, err = h.engine.Dispute(ctx, buyer, tx.ID, DisputeInput{Reason: "Item arrived broken and seller refuses to help"})
	var cerr *StateConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.StatusFundsReleased, cerr.Status)
}

func TestDisputeBlocksRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)
	_, err := h.engine.Dispute(ctx, buyer, tx.ID, DisputeInput{Reason: "Tracking shows a different destination city"})
	require.NoError(t, err)

	h.clock.Advance(grace + time.Hour)
	_, err = h.engine.Release(ctx, SystemActor(), tx.ID)
	var cerr *StateConflictError
	require.ErrorAs(t, err, &cerr)
	captures, _ := h.gw.counts()
	assert.Zero(t, captures)
}

func TestReviewDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.paid(t, "seller-1")
	d, err := h.engine.Dispute(ctx, seller, tx.ID, DisputeInput{Reason: "Buyer asked me to ship to another address"})
	require.NoError(t, err)

	_, err = h.engine.ReviewDispute(ctx, buyer, d.ID)
	var aerr *AuthorizationError
	require.ErrorAs(t, err, &aerr)

	reviewed, err := h.engine.ReviewDispute(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeInReview, reviewed.Status)

	_, err = h.engine.ReviewDispute(ctx, admin, d.ID)
	var cerr *StateConflictError
	assert.ErrorAs(t, err, &cerr)

	got, err := h.engine.GetDispute(ctx, buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeInReview, got.Status)
	assert.Equal(t, tx.ID, got.Transaction.ID)

	_, err = h.engine.GetDispute(ctx, stranger, d.ID)
	assert.ErrorAs(t, err, &aerr)
}

func TestResolveDisputeForBuyerCancelsHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.paid(t, "seller-1")
	d, err := h.engine.Dispute(ctx, buyer, tx.ID, DisputeInput{Reason: "Seller says the item is out of stock now"})
	require.NoError(t, err)

	refunded, err := h.engine.ResolveDispute(ctx, admin, d.ID, ResolveInput{Winner: models.WinnerBuyer, Resolution: "Item unavailable"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, refunded.Status)
	assert.Equal(t, 1, h.gw.cancels)
	assert.Zero(t, h.gw.refunds)

	closed, err := h.engine.GetDispute(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeResolved, closed.Status)
	assert.Equal(t, models.WinnerBuyer, closed.Winner)
	require.NotNil(t, closed.ResolvedByID)
	assert.Equal(t, "admin-1", *closed.ResolvedByID)

	_, err = h.engine.ResolveDispute(ctx, admin, d.ID, ResolveInput{Winner: models.WinnerBuyer, Resolution: "again"})
	var cerr *StateConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestResolveDisputeForSellerReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)
	d, err := h.engine.Dispute(ctx, buyer, tx.ID, DisputeInput{Reason: "Package has not moved for over a week"})
	require.NoError(t, err)

	released, err := h.engine.ResolveDispute(ctx, admin, d.ID, ResolveInput{Winner: models.WinnerSeller, Resolution: "Carrier confirmed delivery"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFundsReleased, released.Status)

	captures, transfers := h.gw.counts()
	assert.Equal(t, 1, captures)
	assert.Equal(t, 1, transfers)
	assert.Len(t, h.notifier.ofType(models.NotificationDisputeResolved), 2)
}

func TestResolveDisputeRefundsCapturedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.paid(t, "seller-1")
	require.NoError(t, h.db.Model(&models.Transaction{}).Where("id = ?", tx.ID).Update("hold_captured", true).Error)

	d, err := h.engine.Dispute(ctx, buyer, tx.ID, DisputeInput{Reason: "Seller never shipped the order at all"})
	require.NoError(t, err)

	refunded, err := h.engine.ResolveDispute(ctx, admin, d.ID, ResolveInput{Winner: models.WinnerBuyer, Resolution: "Not shipped"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", refunded.RefundID)
	assert.Equal(t, 1, h.gw.refunds)
	assert.Zero(t, h.gw.cancels)
}

func TestResolveDisputeForSellerWithoutPaymentIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "seller-1", "")
	d, err := h.engine.Dispute(ctx, seller, tx.ID, DisputeInput{Reason: "Buyer created this with the wrong price"})
	require.NoError(t, err)

	_, err = h.engine.ResolveDispute(ctx, admin, d.ID, ResolveInput{Winner: models.WinnerSeller, Resolution: "n/a"})
	var cerr *StateConflictError
	require.ErrorAs(t, err, &cerr)

	refunded, err := h.engine.ResolveDispute(ctx, admin, d.ID, ResolveInput{Winner: models.WinnerBuyer, Resolution: "Cancelled"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, refunded.Status)
	assert.Zero(t, h.gw.cancels)
}

func TestResolveDisputeRejectedRefundRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.paid(t, "seller-1")
	d, err := h.engine.Dispute(ctx, buyer, tx.ID, DisputeInput{Reason: "Seller asked for payment outside the app"})
	require.NoError(t, err)

	h.gw.cancelErr = &services.GatewayError{Reason: "payment_intent_unexpected_state", StatusCode: 400}
	_, err = h.engine.ResolveDispute(ctx, admin, d.ID, ResolveInput{Winner: models.WinnerBuyer, Resolution: "Refund"})
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)

	assert.Equal(t, models.StatusDisputed, h.reload(t, tx.ID).Status)
	open, err := h.engine.GetDispute(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeOpen, open.Status)
}

func TestCheckTrackingInTransit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)
	h.tracker.status = &services.ShipmentStatus{
		Status: "transit",
		Checkpoints: []services.Checkpoint{
			{Status: "transit", Location: "Memphis, TN", Description: "Departed facility", Time: t0.Add(2 * time.Hour)},
			{Status: "pickup", Location: "Austin, TX", Description: "Picked up", Time: t0.Add(time.Hour)},
		},
	}

	outcome, err := h.engine.CheckTracking(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInTransit, outcome)
	outcome, err = h.engine.CheckTracking(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInTransit, outcome)

	assert.Equal(t, models.StatusInTransit, h.reload(t, tx.ID).Status)
	history, err := h.engine.TrackingHistory(ctx, buyer, tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Memphis, TN", history[0].Location)
}

func TestCheckTrackingReleasesWhenOverdue(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)
	h.clock.Advance(grace + time.Hour)
	h.tracker.status = &services.ShipmentStatus{Status: "delivered"}

	outcome, err := h.engine.CheckTracking(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)
	assert.Equal(t, models.StatusFundsReleased, h.reload(t, tx.ID).Status)
}

func TestCheckTrackingProviderFailure(t *testing.T) {
	h := newHarness(t)
	tx := h.shipped(t)
	h.tracker.err = errors.New("connection refused")

	outcome, err := h.engine.CheckTracking(context.Background(), tx.ID)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, models.StatusShipped, h.reload(t, tx.ID).Status)
}

func TestFlagStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)

	started := t0.Add(-time.Hour)
	require.NoError(t, h.db.Model(&models.Transaction{}).Where("id = ?", tx.ID).Updates(map[string]interface{}{
		"status":             models.StatusReleasing,
		"settle_from_status": models.StatusShipped,
		"settle_started_at":  started,
	}).Error)

	flagged, err := h.engine.FlagStale(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, flagged)
	assert.Equal(t, models.StatusReconciliationRequired, h.reload(t, tx.ID).Status)

	flagged, err = h.engine.FlagStale(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestFlagStaleKeepsCaptureRecordedMidway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.shipped(t)

	started := t0.Add(-time.Hour)
	require.NoError(t, h.db.Model(&models.Transaction{}).Where("id = ?", tx.ID).Updates(map[string]interface{}{
		"status":             models.StatusReleasing,
		"settle_from_status": models.StatusShipped,
		"settle_started_at":  started,
	}).Error)

	// The in-flight release records its capture right after the sweep has
	// read the row.
	captured := false
	require.NoError(t, h.db.Callback().Query().After("gorm:query").Register("test:record_capture", func(db *gorm.DB) {
		if captured || db.Statement.Table != "escrow_transactions" {
			return
		}
		captured = true
		_, err := db.Statement.ConnPool.ExecContext(db.Statement.Context,
			"UPDATE escrow_transactions SET hold_captured = ? WHERE id = ?", true, tx.ID)
		require.NoError(t, err)
	}))
	t.Cleanup(func() { _ = h.db.Callback().Query().Remove("test:record_capture") })

	flagged, err := h.engine.FlagStale(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, flagged)
	require.True(t, captured)

	stored := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusReconciliationRequired, stored.Status)
	assert.True(t, stored.HoldCaptured)
	assert.Contains(t, stored.ReconciliationReason, "did not finish")
	assert.Len(t, h.notifier.ofType(models.NotificationReconciliation), 2)
}

func TestGetVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "seller-1", "")

	_, err := h.engine.Get(ctx, stranger, tx.ID)
	var aerr *AuthorizationError
	assert.ErrorAs(t, err, &aerr)

	_, err = h.engine.Get(ctx, seller, tx.ID)
	assert.NoError(t, err)

	_, err = h.engine.Get(ctx, buyer, "missing")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = h.engine.ListByStatus(ctx, buyer, models.StatusReconciliationRequired)
	assert.ErrorAs(t, err, &aerr)
	list, err := h.engine.ListByStatus(ctx, admin, models.StatusPendingConfirmation)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestHandlePaymentEventNotifiesOnFailedHold(t *testing.T) {
	h := newHarness(t)
	tx := h.paid(t, "seller-1")
	before := len(h.notifier.ofType(models.NotificationPaymentHeld))

	err := h.engine.HandlePaymentEvent(context.Background(), &services.WebhookEvent{
		ID:   "evt_1",
		Type: "payment_intent.payment_failed",
		Object: map[string]interface{}{
			"metadata": map[string]interface{}{"transactionId": tx.ID},
		},
	})
	require.NoError(t, err)
	assert.Len(t, h.notifier.ofType(models.NotificationPaymentHeld), before+2)
	assert.Equal(t, models.StatusPaymentHeld, h.reload(t, tx.ID).Status)

	err = h.engine.HandlePaymentEvent(context.Background(), &services.WebhookEvent{ID: "evt_2", Type: "charge.succeeded"})
	assert.NoError(t, err)
}
