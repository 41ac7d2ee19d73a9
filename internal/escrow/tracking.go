package escrow

import (
	"context"
	"errors"
	"fmt"

	"SecureEscrow/internal/models"
	"SecureEscrow/internal/services"
	"SecureEscrow/internal/store"
)

// Outcome is the per-transaction result reported by scheduled work.
type Outcome string

const (
	OutcomeInTransit Outcome = "in_transit"
	OutcomeDelivered Outcome = "delivered"
	OutcomeReleased  Outcome = "released"
	OutcomeNotDue    Outcome = "not_due"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFlagged   Outcome = "reconciliation_required"
	OutcomeFailed    Outcome = "failed"
)

// CheckTracking polls the carrier for a shipped transaction. Not delivered
// moves it to IN_TRANSIT and records the latest checkpoint. Delivered moves it
// to DELIVERED and releases right away if the deadline has already passed.
// The deadline itself never moves.
func (e *Engine) CheckTracking(ctx context.Context, id string) (Outcome, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return OutcomeFailed, err
	}
	if t.Status != models.StatusShipped && t.Status != models.StatusInTransit {
		return OutcomeSkipped, conflict(t, "Transaction is not in shipment")
	}
	if t.TrackingNumber == "" || t.TrackingCarrier == "" {
		return OutcomeSkipped, conflict(t, "Transaction has no tracking details")
	}

	actx, cancel := e.adapterContext(ctx)
	status, err := e.tracker.GetStatus(actx, t.TrackingNumber, t.TrackingCarrier)
	cancel()
	if err != nil {
		return OutcomeFailed, &AdapterError{Op: "tracking lookup", Err: err}
	}

	trigger := TriggerInTransit
	if status.Delivered() {
		trigger = TriggerDelivered
	}

	var updated *models.Transaction
	var from models.TransactionStatus
	err = e.withLock(ctx, id, func(tx *store.Tx, locked *models.Transaction) error {
		to, ok := Next(locked.Status, trigger)
		if !ok {
			return conflict(locked, "Transaction is not in shipment")
		}

		if err := e.recordCheckpoint(tx, locked.ID, status); err != nil {
			return err
		}

		from = locked.Status
		if to == from {
			updated = locked
			return nil
		}

		locked.Status = to
		if trigger == TriggerDelivered {
			now := e.now()
			locked.DeliveredAt = &now
		}
		if err := tx.SaveIf(locked, from); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if err != nil {
		return OutcomeFailed, e.conflictOnRace(err)
	}

	if from != updated.Status {
		e.transitioned(trigger, updated, from)
	}
	if trigger == TriggerInTransit {
		return OutcomeInTransit, nil
	}

	e.notify(ctx, updated, models.NotificationDelivered, "Item Delivered",
		fmt.Sprintf("%q was delivered. Funds will be released to the seller automatically.", updated.ProductName),
		updated.BuyerID, updated.SellerID)

	if updated.AutoReleaseAt == nil || e.now().Before(*updated.AutoReleaseAt) {
		return OutcomeDelivered, nil
	}
	if _, err := e.Release(ctx, SystemActor(), id); err != nil {
		var rerr *ReconciliationRequiredError
		if errors.As(err, &rerr) {
			return OutcomeFlagged, err
		}
		return OutcomeDelivered, err
	}
	return OutcomeReleased, nil
}

// recordCheckpoint appends the carrier's latest checkpoint unless it is
// already the newest one on file.
func (e *Engine) recordCheckpoint(tx *store.Tx, transactionID string, status *services.ShipmentStatus) error {
	latest := status.Latest()
	if latest == nil {
		return nil
	}

	undated := latest.Time.IsZero()
	ts := latest.Time
	if undated {
		ts = e.now()
	}

	last, err := tx.LastTrackingUpdate(transactionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case undated && last.Status == latest.Status && last.Description == latest.Description:
		return nil
	case !undated && !ts.After(last.Timestamp):
		return nil
	}

	return tx.AppendTrackingUpdate(&models.TrackingUpdate{
		TransactionID: transactionID,
		Status:        latest.Status,
		Location:      latest.Location,
		Description:   latest.Description,
		Timestamp:     ts.UTC(),
	})
}
