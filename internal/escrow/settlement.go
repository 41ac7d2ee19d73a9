package escrow

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"SecureEscrow/internal/fees"
	"SecureEscrow/internal/metrics"
	"SecureEscrow/internal/models"
	"SecureEscrow/internal/services"
	"SecureEscrow/internal/store"
)

var releasable = map[models.TransactionStatus]bool{
	models.StatusShipped:   true,
	models.StatusInTransit: true,
	models.StatusDelivered: true,
}

// Release captures the hold and pays the seller. The buyer and admins may
// release at any time after shipping; the scheduler only once the deadline
// has passed. Releasing an already released transaction is a no-op.
func (e *Engine) Release(ctx context.Context, actor Actor, id string) (*models.Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !actor.System && !actor.IsAdmin() && t.BuyerID != actor.UserID {
		return nil, forbidden("Unauthorized")
	}

	switch t.Status {
	case models.StatusFundsReleased:
		e.log.WithField("transaction_id", t.ID).Info("Release requested for already released transaction, nothing to do")
		metrics.ReleasesTotal.WithLabelValues("noop").Inc()
		return t, nil
	case models.StatusReconciliationRequired:
		return nil, &ReconciliationRequiredError{TransactionID: t.ID, Reason: t.ReconciliationReason, AlreadyFlagged: true}
	case models.StatusReleasing, models.StatusRefunding:
		return nil, conflict(t, "Settlement already in progress")
	}

	if !releasable[t.Status] {
		return nil, conflict(t, "Transaction not ready for fund release")
	}
	if actor.System {
		if t.AutoReleaseAt == nil || e.now().Before(*t.AutoReleaseAt) {
			return nil, conflict(t, "Auto-release is not due yet")
		}
	}
	if t.Seller == nil || !t.Seller.HasPayoutDestination() {
		return nil, invalid("Seller must set up payment account first")
	}
	if t.PaymentHoldID == "" {
		return nil, conflict(t, "No payment hold found")
	}

	return e.settleRelease(ctx, t, TriggerRelease, t.Seller)
}

// claim moves t into its settling status with a compare-and-swap, so only one
// caller ever reaches the provider calls.
func (e *Engine) claim(ctx context.Context, t *models.Transaction, trigger Trigger) error {
	to, ok := Next(t.Status, trigger)
	if !ok {
		return conflict(t, "Transaction cannot be settled from %s", t.Status)
	}

	now := e.now()
	from := t.Status
	t.Status = to
	t.SettleFromStatus = from
	t.SettleStartedAt = &now
	if err := e.store.SaveIf(ctx, t, from); err != nil {
		t.Status = from
		t.SettleFromStatus = ""
		t.SettleStartedAt = nil
		return err
	}
	e.transitioned(trigger, t, from)
	return nil
}

// revert rolls a claim back after the provider definitively refused.
func (e *Engine) revert(ctx context.Context, t *models.Transaction) {
	settling := t.Status
	prev := t.SettleFromStatus
	if !CanRevert(settling, prev) {
		e.flag(ctx, t, fmt.Sprintf("cannot roll back %s to %q", settling, prev), nil)
		return
	}

	t.Status = prev
	t.SettleFromStatus = ""
	t.SettleStartedAt = nil
	if err := e.store.SaveIf(context.WithoutCancel(ctx), t, settling); err != nil {
		// The stale sweep will flag the claim.
		e.log.WithField("transaction_id", t.ID).WithError(err).Error("Failed to roll back settlement claim")
		return
	}
	e.log.WithFields(log.Fields{
		"transaction_id": t.ID,
		"from":           settling,
		"to":             prev,
	}).Warn("Settlement claim rolled back")
}

// flag parks t in RECONCILIATION_REQUIRED and returns the error to surface.
func (e *Engine) flag(ctx context.Context, t *models.Transaction, reason string, cause error) error {
	from := t.Status
	rerr := &ReconciliationRequiredError{TransactionID: t.ID, Reason: reason, Err: cause}

	to, ok := Next(from, TriggerFlag)
	if !ok {
		e.log.WithFields(log.Fields{"transaction_id": t.ID, "status": from}).Error("Cannot flag transaction for reconciliation")
		return rerr
	}

	t.Status = to
	t.ReconciliationReason = reason
	if err := e.store.SaveIf(context.WithoutCancel(ctx), t, from); err != nil {
		t.Status = from
		e.log.WithField("transaction_id", t.ID).WithError(err).Error("Failed to flag transaction for reconciliation")
		return rerr
	}

	e.flagged(ctx, t, from, reason, cause)
	return rerr
}

// flagged records a committed move into RECONCILIATION_REQUIRED.
func (e *Engine) flagged(ctx context.Context, t *models.Transaction, from models.TransactionStatus, reason string, cause error) {
	metrics.ReconciliationRequired.Inc()
	e.transitioned(TriggerFlag, t, from)
	e.log.WithFields(log.Fields{
		"transaction_id": t.ID,
		"hold_id":        t.PaymentHoldID,
		"hold_captured":  t.HoldCaptured,
		"reason":         reason,
	}).WithError(cause).Error("Transaction requires manual reconciliation")

	e.notify(ctx, t, models.NotificationReconciliation, "Payment Under Review",
		fmt.Sprintf("Settlement of %q needs a manual check by our team. No action is needed from you.", t.ProductName),
		t.BuyerID, t.SellerID)
}

// settleRelease runs capture then transfer for a claimed release.
func (e *Engine) settleRelease(ctx context.Context, t *models.Transaction, trigger Trigger, seller *models.User) (*models.Transaction, error) {
	if err := e.claim(ctx, t, trigger); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return e.afterLostClaim(ctx, t.ID)
		}
		return nil, err
	}

	if !t.HoldCaptured {
		actx, cancel := e.adapterContext(ctx)
		_, err := e.gateway.CaptureHold(actx, t.PaymentHoldID, captureKey(t.ID))
		cancel()
		if err != nil {
			if services.IsDefinitive(err) {
				metrics.ReleasesTotal.WithLabelValues("capture_rejected").Inc()
				e.revert(ctx, t)
				return nil, &AdapterError{Op: "payment capture", Err: err}
			}
			metrics.ReleasesTotal.WithLabelValues("capture_unknown").Inc()
			return nil, e.flag(ctx, t, "capture outcome unknown: "+err.Error(), err)
		}

		t.HoldCaptured = true
		if err := e.store.SaveIf(context.WithoutCancel(ctx), t, t.Status); err != nil {
			return nil, e.flag(ctx, t, "capture succeeded but could not be recorded", err)
		}
	}

	actx, cancel := e.adapterContext(ctx)
	transferID, err := e.gateway.Transfer(actx, services.TransferRequest{
		AmountMinor:    fees.ToMinorUnits(t.SellerReceives),
		Currency:       t.Currency,
		Destination:    seller.PayoutAccountID,
		IdempotencyKey: transferKey(t.ID),
		Metadata: map[string]string{
			"transactionId": t.ID,
			"buyerId":       t.BuyerID,
			"sellerId":      t.SellerID,
		},
	})
	cancel()
	if err != nil {
		// The buyer's money is captured either way, so any transfer failure
		// needs an operator.
		metrics.ReleasesTotal.WithLabelValues("transfer_failed").Inc()
		reason := "transfer outcome unknown after capture: " + err.Error()
		if services.IsDefinitive(err) {
			reason = "transfer rejected after capture: " + err.Error()
		}
		return nil, e.flag(ctx, t, reason, err)
	}

	now := e.now()
	from := t.Status
	to, _ := Next(from, TriggerSettled)
	t.TransferID = transferID
	t.Status = to
	t.CompletedAt = &now
	t.SettleStartedAt = nil
	if err := e.store.SaveIf(context.WithoutCancel(ctx), t, from); err != nil {
		e.log.WithFields(log.Fields{
			"transaction_id": t.ID,
			"transfer_id":    transferID,
		}).WithError(err).Error("Funds moved but release could not be recorded")
		return nil, &ReconciliationRequiredError{TransactionID: t.ID, Reason: "transfer " + transferID + " not recorded", Err: err}
	}

	metrics.ReleasesTotal.WithLabelValues("released").Inc()
	e.transitioned(TriggerSettled, t, from)
	e.notify(ctx, t, models.NotificationFundsReleased, "Funds Released",
		fmt.Sprintf("%s for %q has been released to the seller.", moneyString(t, t.SellerReceives), t.ProductName),
		t.BuyerID, t.SellerID)
	return t, nil
}

// afterLostClaim resolves a lost compare-and-swap: the winner may already
// have finished.
func (e *Engine) afterLostClaim(ctx context.Context, id string) (*models.Transaction, error) {
	current, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.StatusFundsReleased {
		metrics.ReleasesTotal.WithLabelValues("noop").Inc()
		return current, nil
	}
	return nil, conflict(current, "Transaction was modified concurrently (now %s)", current.Status)
}

// settleRefund returns the buyer's money for a dispute the buyer won.
func (e *Engine) settleRefund(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if err := e.claim(ctx, t, TriggerAwardBuyer); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			current, lerr := e.load(ctx, t.ID)
			if lerr != nil {
				return nil, lerr
			}
			if current.Status == models.StatusRefunded {
				return current, nil
			}
			return nil, conflict(current, "Transaction was modified concurrently (now %s)", current.Status)
		}
		return nil, err
	}

	var refundID string
	if t.PaymentHoldID != "" {
		actx, cancel := e.adapterContext(ctx)
		var err error
		op := "payment cancellation"
		if t.HoldCaptured {
			op = "refund"
			refundID, err = e.gateway.Refund(actx, services.RefundRequest{
				HoldID:         t.PaymentHoldID,
				IdempotencyKey: refundKey(t.ID),
			})
		} else {
			err = e.gateway.CancelHold(actx, t.PaymentHoldID, cancelKey(t.ID))
		}
		cancel()

		if err != nil {
			if services.IsDefinitive(err) {
				e.revert(ctx, t)
				return nil, &AdapterError{Op: op, Err: err}
			}
			return nil, e.flag(ctx, t, op+" outcome unknown: "+err.Error(), err)
		}
	}

	now := e.now()
	from := t.Status
	to, _ := Next(from, TriggerSettled)
	t.RefundID = refundID
	t.Status = to
	t.CompletedAt = &now
	t.SettleStartedAt = nil
	if err := e.store.SaveIf(context.WithoutCancel(ctx), t, from); err != nil {
		return nil, &ReconciliationRequiredError{TransactionID: t.ID, Reason: "refund not recorded", Err: err}
	}

	e.transitioned(TriggerSettled, t, from)
	e.notify(ctx, t, models.NotificationRefunded, "Payment Refunded",
		fmt.Sprintf("The payment for %q has been returned to the buyer.", t.ProductName),
		t.BuyerID, t.SellerID)
	return t, nil
}

// FlagStale parks a settlement claim that has been in flight longer than the
// settlement TTL, e.g. after a crash between capture and transfer. It reports
// whether the transaction was flagged. Only the status columns are written, so
// a capture recorded by the in-flight settlement is kept.
func (e *Engine) FlagStale(ctx context.Context, id string) (bool, error) {
	var (
		parked *models.Transaction
		from   models.TransactionStatus
		reason string
	)

	err := e.withLock(ctx, id, func(tx *store.Tx, t *models.Transaction) error {
		if t.Status != models.StatusReleasing && t.Status != models.StatusRefunding {
			return nil
		}
		if t.SettleStartedAt == nil || e.now().Sub(*t.SettleStartedAt) < e.opts.SettlementTTL {
			return nil
		}
		to, ok := Next(t.Status, TriggerFlag)
		if !ok {
			return conflict(t, "Transaction cannot be flagged from %s", t.Status)
		}

		from = t.Status
		reason = fmt.Sprintf("settlement started at %s did not finish", t.SettleStartedAt.Format("2006-01-02T15:04:05Z"))
		t.Status = to
		t.ReconciliationReason = reason
		if err := tx.SaveColumnsIf(t, from, "status", "reconciliation_reason", "updated_at"); err != nil {
			return err
		}
		parked = t
		return nil
	})
	if err != nil {
		return false, err
	}
	if parked == nil {
		return false, nil
	}

	e.flagged(ctx, parked, from, reason, nil)
	return true, nil
}
