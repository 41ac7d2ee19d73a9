package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"SecureEscrow/internal/models"
	"SecureEscrow/internal/services"
	"SecureEscrow/internal/store"
)

const minDisputeReason = 20

type DisputeInput struct {
	Reason      string
	EvidenceURL string
}

// Dispute opens a dispute and moves the transaction to DISPUTED. Released,
// refunded and settling transactions cannot be disputed.
func (e *Engine) Dispute(ctx context.Context, actor Actor, id string, in DisputeInput) (*models.Dispute, error) {
	var dispute *models.Dispute
	var updated *models.Transaction
	var from models.TransactionStatus

	err := e.withLock(ctx, id, func(tx *store.Tx, t *models.Transaction) error {
		if !t.IsParty(actor.UserID) {
			return forbidden("Not authorized to dispute this transaction")
		}
		if len(strings.TrimSpace(in.Reason)) < minDisputeReason {
			return invalid("Please provide a detailed reason (minimum %d characters)", minDisputeReason)
		}
		if in.EvidenceURL != "" && !validProductURL(in.EvidenceURL) {
			return invalid("Invalid evidence URL")
		}

		switch {
		case t.Status == models.StatusFundsReleased:
			return conflict(t, "Funds have already been released")
		case t.Status == models.StatusRefunded:
			return conflict(t, "Transaction has already been refunded")
		case t.Status.IsSettling():
			return conflict(t, "Transaction is being settled and cannot be disputed")
		}

		_, err := tx.ActiveDispute(t.ID)
		switch {
		case err == nil:
			return conflict(t, "An active dispute already exists for this transaction")
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		to, ok := Next(t.Status, TriggerDispute)
		if !ok {
			return conflict(t, "Transaction cannot be disputed from %s", t.Status)
		}

		dispute = &models.Dispute{
			TransactionID: t.ID,
			RaisedByID:    actor.UserID,
			Reason:        strings.TrimSpace(in.Reason),
			EvidenceURL:   in.EvidenceURL,
			Status:        models.DisputeOpen,
		}
		if err := tx.CreateDispute(dispute); err != nil {
			return err
		}

		from = t.Status
		t.Status = to
		if err := tx.SaveIf(t, from); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, e.conflictOnRace(err)
	}

	e.transitioned(TriggerDispute, updated, from)

	other := updated.SellerID
	if actor.UserID == updated.SellerID {
		other = updated.BuyerID
	}
	e.notify(ctx, updated, models.NotificationDisputeRaised, "Dispute Raised",
		fmt.Sprintf("A dispute was raised on %q: %s", updated.ProductName, dispute.Reason),
		other)
	return dispute, nil
}

// GetDispute returns a dispute visible to actor.
func (e *Engine) GetDispute(ctx context.Context, actor Actor, disputeID string) (*models.Dispute, error) {
	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, e.loadErr(err, "Dispute", disputeID)
	}
	t, err := e.load(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if !e.canView(actor, t) {
		return nil, forbidden("Not authorized to view this dispute")
	}
	d.Transaction = t
	return d, nil
}

// lockedDispute loads the active dispute with id inside a locked unit.
func lockedDispute(tx *store.Tx, t *models.Transaction, disputeID string) (*models.Dispute, error) {
	d, err := tx.ActiveDispute(t.ID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && d.ID != disputeID) {
		return nil, conflict(t, "Dispute is no longer open")
	}
	return d, err
}

// ReviewDispute moves an OPEN dispute to IN_REVIEW.
func (e *Engine) ReviewDispute(ctx context.Context, actor Actor, disputeID string) (*models.Dispute, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("Admin access required")
	}
	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, e.loadErr(err, "Dispute", disputeID)
	}

	var reviewed *models.Dispute
	err = e.withLock(ctx, d.TransactionID, func(tx *store.Tx, t *models.Transaction) error {
		current, err := lockedDispute(tx, t, disputeID)
		if err != nil {
			return err
		}
		if current.Status != models.DisputeOpen {
			return conflict(t, "Dispute is already in review")
		}
		current.Status = models.DisputeInReview
		if err := tx.SaveDisputeIf(current, models.DisputeOpen); err != nil {
			return err
		}
		reviewed = current
		return nil
	})
	if err != nil {
		return nil, e.conflictOnRace(err)
	}

	e.log.WithFields(log.Fields{"dispute_id": disputeID, "admin_id": actor.UserID}).Info("Dispute in review")
	return reviewed, nil
}

type ResolveInput struct {
	Winner     models.DisputeWinner
	Resolution string
}

// ResolveDispute settles a disputed transaction for the winner. Seller wins
// run the release path; buyer wins cancel the hold, or refund a captured
// payment. The dispute is only marked RESOLVED once money has settled.
func (e *Engine) ResolveDispute(ctx context.Context, actor Actor, disputeID string, in ResolveInput) (*models.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("Admin access required")
	}
	if in.Winner != models.WinnerBuyer && in.Winner != models.WinnerSeller {
		return nil, invalid("Winner must be buyer or seller")
	}
	if strings.TrimSpace(in.Resolution) == "" {
		return nil, invalid("Resolution is required")
	}

	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, e.loadErr(err, "Dispute", disputeID)
	}
	if !d.Status.IsActive() {
		return nil, &StateConflictError{Reason: "Dispute is already closed"}
	}

	t, err := e.load(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusDisputed {
		return nil, conflict(t, "Transaction is not in dispute")
	}

	var settled *models.Transaction
	if in.Winner == models.WinnerSeller {
		if t.PaymentHoldID == "" {
			return nil, conflict(t, "No payment was made, resolve in favor of the buyer to close")
		}
		if t.Seller == nil || !t.Seller.HasPayoutDestination() {
			return nil, invalid("Seller must set up payment account first")
		}
		settled, err = e.settleRelease(ctx, t, TriggerAwardSeller, t.Seller)
	} else {
		settled, err = e.settleRefund(ctx, t)
	}
	if err != nil {
		return nil, err
	}

	if err := e.closeDispute(ctx, actor, settled.ID, models.DisputeResolved, in.Winner, in.Resolution); err != nil {
		return nil, err
	}

	e.notify(ctx, settled, models.NotificationDisputeResolved, "Dispute Resolved",
		fmt.Sprintf("The dispute on %q has been resolved in favor of the %s. %s", settled.ProductName, in.Winner, in.Resolution),
		settled.BuyerID, settled.SellerID)
	return settled, nil
}

// closeDispute marks the transaction's active dispute, if any, as status.
func (e *Engine) closeDispute(ctx context.Context, actor Actor, transactionID string, status models.DisputeStatus, winner models.DisputeWinner, resolution string) error {
	err := e.withLock(context.WithoutCancel(ctx), transactionID, func(tx *store.Tx, t *models.Transaction) error {
		d, err := tx.ActiveDispute(t.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := e.now()
		adminID := actor.UserID
		prev := d.Status
		d.Status = status
		d.Winner = winner
		d.Resolution = strings.TrimSpace(resolution)
		d.ResolvedByID = &adminID
		d.ResolvedAt = &now
		return tx.SaveDisputeIf(d, prev)
	})
	if err != nil {
		e.log.WithField("transaction_id", transactionID).WithError(err).Error("Failed to close dispute")
		return err
	}
	return nil
}

// Reconciliation outcomes an operator can record.
const (
	ReconciledReleased = "released"
	ReconciledRefunded = "refunded"
)

type ReconcileInput struct {
	Outcome   string
	Reference string
	Note      string
}

// ResolveReconciliation records what an operator confirmed at the provider
// for a flagged transaction. No money is moved here.
func (e *Engine) ResolveReconciliation(ctx context.Context, actor Actor, id string, in ReconcileInput) (*models.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("Admin access required")
	}

	var trigger Trigger
	switch in.Outcome {
	case ReconciledReleased:
		trigger = TriggerResolveRelease
	case ReconciledRefunded:
		trigger = TriggerResolveRefund
	default:
		return nil, invalid("Outcome must be %s or %s", ReconciledReleased, ReconciledRefunded)
	}
	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		return nil, invalid("Provider reference is required")
	}

	var updated *models.Transaction
	var from models.TransactionStatus
	err := e.withLock(ctx, id, func(tx *store.Tx, t *models.Transaction) error {
		to, ok := Next(t.Status, trigger)
		if !ok {
			return conflict(t, "Transaction does not require reconciliation")
		}

		now := e.now()
		from = t.Status
		t.Status = to
		t.CompletedAt = &now
		t.SettleStartedAt = nil
		if trigger == TriggerResolveRelease {
			t.TransferID = reference
		} else {
			t.RefundID = reference
		}
		if note := strings.TrimSpace(in.Note); note != "" {
			t.ReconciliationReason = t.ReconciliationReason + " | resolved: " + note
		}
		if err := tx.SaveIf(t, from); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, e.conflictOnRace(err)
	}

	e.transitioned(trigger, updated, from)
	note := in.Note
	if note == "" {
		note = "Closed by reconciliation (" + in.Outcome + ")"
	}
	if err := e.closeDispute(ctx, actor, id, models.DisputeClosed, "", note); err != nil {
		return nil, err
	}

	typ := models.NotificationFundsReleased
	msg := fmt.Sprintf("Funds for %q have been released to the seller.", updated.ProductName)
	if trigger == TriggerResolveRefund {
		typ = models.NotificationRefunded
		msg = fmt.Sprintf("The payment for %q has been returned to the buyer.", updated.ProductName)
	}
	e.notify(ctx, updated, typ, "Transaction Settled", msg, updated.BuyerID, updated.SellerID)
	return updated, nil
}

// HandlePaymentEvent reacts to a verified provider webhook. Events only
// inform the parties; state is driven by the engine's own calls.
func (e *Engine) HandlePaymentEvent(ctx context.Context, event *services.WebhookEvent) error {
	entry := e.log.WithFields(log.Fields{"event_id": event.ID, "event_type": event.Type})

	metadata, _ := event.Object["metadata"].(map[string]interface{})
	transactionID, _ := metadata["transactionId"].(string)
	if transactionID == "" {
		entry.Debug("Webhook event without transaction reference")
		return nil
	}

	t, err := e.load(ctx, transactionID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			entry.WithField("transaction_id", transactionID).Warn("Webhook references unknown transaction")
			return nil
		}
		return err
	}
	entry = entry.WithFields(log.Fields{"transaction_id": t.ID, "status": t.Status})

	switch event.Type {
	case "payment_intent.payment_failed", "payment_intent.canceled":
		if t.Status == models.StatusPaymentHeld {
			entry.Warn("Payment hold failed at provider")
			e.notify(ctx, t, models.NotificationPaymentHeld, "Payment Problem",
				fmt.Sprintf("The payment hold for %q failed at the payment provider. Please contact support.", t.ProductName),
				t.BuyerID, t.SellerID)
		}
	default:
		entry.Info("Payment webhook received")
	}
	return nil
}
