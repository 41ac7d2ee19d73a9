package escrow

import "SecureEscrow/internal/models"

// Trigger names what is asking a transaction to move.
type Trigger string

const (
	TriggerConfirm        Trigger = "confirm"
	TriggerPay            Trigger = "pay"
	TriggerShip           Trigger = "ship"
	TriggerInTransit      Trigger = "in_transit"
	TriggerDelivered      Trigger = "delivered"
	TriggerRelease        Trigger = "release"
	TriggerAwardSeller    Trigger = "award_seller"
	TriggerAwardBuyer     Trigger = "award_buyer"
	TriggerSettled        Trigger = "settled"
	TriggerFlag           Trigger = "flag"
	TriggerDispute        Trigger = "dispute"
	TriggerResolveRelease Trigger = "resolve_released"
	TriggerResolveRefund  Trigger = "resolve_refunded"
)

type edge struct {
	from    models.TransactionStatus
	trigger Trigger
}

var transitions = map[edge]models.TransactionStatus{
	{models.StatusPendingConfirmation, TriggerConfirm}: models.StatusPendingPayment,
	{models.StatusPendingPayment, TriggerPay}:          models.StatusPaymentHeld,
	{models.StatusPaymentHeld, TriggerShip}:            models.StatusShipped,

	{models.StatusShipped, TriggerInTransit}:   models.StatusInTransit,
	{models.StatusInTransit, TriggerInTransit}: models.StatusInTransit,
	{models.StatusShipped, TriggerDelivered}:   models.StatusDelivered,
	{models.StatusInTransit, TriggerDelivered}: models.StatusDelivered,

	{models.StatusShipped, TriggerRelease}:      models.StatusReleasing,
	{models.StatusInTransit, TriggerRelease}:    models.StatusReleasing,
	{models.StatusDelivered, TriggerRelease}:    models.StatusReleasing,
	{models.StatusDisputed, TriggerAwardSeller}: models.StatusReleasing,
	{models.StatusDisputed, TriggerAwardBuyer}:  models.StatusRefunding,

	{models.StatusReleasing, TriggerSettled}: models.StatusFundsReleased,
	{models.StatusRefunding, TriggerSettled}: models.StatusRefunded,
	{models.StatusReleasing, TriggerFlag}:    models.StatusReconciliationRequired,
	{models.StatusRefunding, TriggerFlag}:    models.StatusReconciliationRequired,

	{models.StatusPendingConfirmation, TriggerDispute}: models.StatusDisputed,
	{models.StatusPendingPayment, TriggerDispute}:      models.StatusDisputed,
	{models.StatusPaymentHeld, TriggerDispute}:         models.StatusDisputed,
	{models.StatusShipped, TriggerDispute}:             models.StatusDisputed,
	{models.StatusInTransit, TriggerDispute}:           models.StatusDisputed,
	{models.StatusDelivered, TriggerDispute}:           models.StatusDisputed,

	{models.StatusReconciliationRequired, TriggerResolveRelease}: models.StatusFundsReleased,
	{models.StatusReconciliationRequired, TriggerResolveRefund}:  models.StatusRefunded,
}

// claimTriggers are the triggers that enter a settling state and may be
// rolled back when the provider definitively refused.
var claimTriggers = []Trigger{TriggerRelease, TriggerAwardSeller, TriggerAwardBuyer}

// Next returns the status trigger leads to from from.
func Next(from models.TransactionStatus, trigger Trigger) (models.TransactionStatus, bool) {
	to, ok := transitions[edge{from, trigger}]
	return to, ok
}

// CanRevert reports whether a settling status may roll back to prev, which
// holds only when prev is a status the claim could have started from.
func CanRevert(settling, prev models.TransactionStatus) bool {
	for _, trigger := range claimTriggers {
		if to, ok := Next(prev, trigger); ok && to == settling {
			return true
		}
	}
	return false
}
