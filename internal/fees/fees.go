// Package fees splits a gross escrow amount into platform fee, processing
// fee and seller payout.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitPlaces is the number of decimal places of the currency's minor unit.
const MinorUnitPlaces = 2

// MaxAmount is the largest amount the numeric(14,2) money columns hold.
var MaxAmount = decimal.RequireFromString("999999999999.99")

var (
	ErrInvalidAmount = errors.New("amount must be greater than zero")
	ErrInvalidRate   = errors.New("fee percentages must be non-negative and total at most 100")
)

var hundred = decimal.NewFromInt(100)

// Breakdown is the result of a fee calculation. It is persisted on the
// transaction at creation time.
type Breakdown struct {
	Amount         decimal.Decimal `json:"amount"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	BankFee        decimal.Decimal `json:"bank_fee"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	SellerReceives decimal.Decimal `json:"seller_receives"`
}

// Schedule holds the configured percentages.
type Schedule struct {
	PlatformPercent decimal.Decimal
	BankPercent     decimal.Decimal
}

// NewSchedule builds a Schedule from float percentages, e.g. 2 and 3.
func NewSchedule(platformPercent, bankPercent float64) (Schedule, error) {
	s := Schedule{
		PlatformPercent: decimal.NewFromFloat(platformPercent),
		BankPercent:     decimal.NewFromFloat(bankPercent),
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func (s Schedule) Validate() error {
	if s.PlatformPercent.IsNegative() || s.BankPercent.IsNegative() {
		return ErrInvalidRate
	}
	if s.PlatformPercent.Add(s.BankPercent).GreaterThan(hundred) {
		return ErrInvalidRate
	}
	return nil
}

// Calculate applies the schedule to amount.
func (s Schedule) Calculate(amount decimal.Decimal) (Breakdown, error) {
	return Calculate(amount, s.PlatformPercent, s.BankPercent)
}

// Calculate rounds each fee half-up to the minor unit and derives the seller
// payout from the rounded fees, so PlatformFee + BankFee + SellerReceives is
// exactly Amount.
func Calculate(amount, platformPercent, bankPercent decimal.Decimal) (Breakdown, error) {
	if !amount.IsPositive() {
		return Breakdown{}, ErrInvalidAmount
	}
	if err := (Schedule{PlatformPercent: platformPercent, BankPercent: bankPercent}).Validate(); err != nil {
		return Breakdown{}, err
	}

	amount = amount.Round(MinorUnitPlaces)
	if !amount.IsPositive() {
		return Breakdown{}, ErrInvalidAmount
	}

	platformFee := percentOf(amount, platformPercent)
	bankFee := percentOf(amount, bankPercent)
	totalFees := platformFee.Add(bankFee)

	return Breakdown{
		Amount:         amount,
		PlatformFee:    platformFee,
		BankFee:        bankFee,
		TotalFees:      totalFees,
		SellerReceives: amount.Sub(totalFees),
	}, nil
}

// decimal.Round is half away from zero, which is half-up for the
// non-negative values used here.
func percentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(hundred).Round(MinorUnitPlaces)
}

// ToMinorUnits converts a major-unit amount (dollars) to minor units (cents).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(MinorUnitPlaces).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitPlaces)
}

// ParseAmount parses a user-supplied amount and rejects values with more
// precision than the minor unit.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.Equal(d.Round(MinorUnitPlaces)) {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: at most %d decimal places", s, MinorUnitPlaces)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	if d.GreaterThan(MaxAmount) {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: exceeds %s", s, MaxAmount)
	}
	return d, nil
}
