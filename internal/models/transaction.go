package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionStatus string
type ConfirmationType string

const (
	StatusPendingConfirmation    TransactionStatus = "PENDING_CONFIRMATION"
	StatusPendingPayment         TransactionStatus = "PENDING_PAYMENT"
	StatusPaymentHeld            TransactionStatus = "PAYMENT_HELD"
	StatusShipped                TransactionStatus = "SHIPPED"
	StatusInTransit              TransactionStatus = "IN_TRANSIT"
	StatusDelivered              TransactionStatus = "DELIVERED"
	StatusFundsReleased          TransactionStatus = "FUNDS_RELEASED"
	StatusDisputed               TransactionStatus = "DISPUTED"
	StatusRefunded               TransactionStatus = "REFUNDED"
	StatusReleasing              TransactionStatus = "RELEASING"
	StatusRefunding              TransactionStatus = "REFUNDING"
	StatusReconciliationRequired TransactionStatus = "RECONCILIATION_REQUIRED"
)

const (
	ConfirmByEmail       ConfirmationType = "EMAIL"
	ConfirmByPasscode    ConfirmationType = "PASSCODE"
	ConfirmByChat        ConfirmationType = "CHAT"
	ConfirmByBothParties ConfirmationType = "BOTH_PARTIES"
)

// IsTerminal reports whether no further transition can leave the status.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusFundsReleased || s == StatusRefunded
}

// IsSettling reports whether money movement is in flight or awaiting an operator.
func (s TransactionStatus) IsSettling() bool {
	return s == StatusReleasing || s == StatusRefunding || s == StatusReconciliationRequired
}

func (c ConfirmationType) Valid() bool {
	switch c {
	case ConfirmByEmail, ConfirmByPasscode, ConfirmByChat, ConfirmByBothParties:
		return true
	}
	return false
}

// Transaction is one escrow deal between a buyer and a seller. Money fields
// are fixed at creation and never recomputed.
type Transaction struct {
	ID       string `gorm:"type:varchar(36);primaryKey" json:"id"`
	BuyerID  string `gorm:"type:varchar(64);not null;index" json:"buyer_id"`
	SellerID string `gorm:"type:varchar(64);not null;index" json:"seller_id"`

	ProductName        string `gorm:"not null" json:"product_name"`
	ProductDescription string `gorm:"type:text;not null" json:"product_description"`
	ProductURL         string `gorm:"type:text;not null" json:"product_url"`
	ProductImageURL    string `gorm:"type:text" json:"product_image_url,omitempty"`

	Currency           string          `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	Amount             decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	PlatformFee        decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"platform_fee"`
	BankFee            decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"bank_fee"`
	TotalFees          decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"total_fees"`
	SellerReceives     decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"seller_receives"`
	PlatformFeePercent decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"platform_fee_percent"`
	BankFeePercent     decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"bank_fee_percent"`

	ConfirmationType     ConfirmationType `gorm:"type:varchar(20);not null" json:"confirmation_type"`
	ConfirmationPasscode *string          `gorm:"type:varchar(12)" json:"-"`
	BuyerConfirmed       bool             `gorm:"not null;default:false" json:"buyer_confirmed"`
	SellerConfirmed      bool             `gorm:"not null;default:false" json:"seller_confirmed"`

	TrackingNumber  string     `gorm:"type:varchar(64);index" json:"tracking_number,omitempty"`
	TrackingCarrier string     `gorm:"type:varchar(64)" json:"tracking_carrier,omitempty"`
	AutoReleaseAt   *time.Time `gorm:"index" json:"auto_release_at,omitempty"`

	PaymentHoldID string `gorm:"type:varchar(128)" json:"payment_hold_id,omitempty"`
	HoldCaptured  bool   `gorm:"not null;default:false" json:"hold_captured"`
	TransferID    string `gorm:"type:varchar(128)" json:"transfer_id,omitempty"`
	RefundID      string `gorm:"type:varchar(128)" json:"refund_id,omitempty"`

	Status               TransactionStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	SettleFromStatus     TransactionStatus `gorm:"type:varchar(32)" json:"-"`
	SettleStartedAt      *time.Time        `json:"-"`
	ReconciliationReason string            `gorm:"type:text" json:"reconciliation_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Buyer  *User `gorm:"foreignKey:BuyerID" json:"buyer,omitempty"`
	Seller *User `gorm:"foreignKey:SellerID" json:"seller,omitempty"`
}

func (Transaction) TableName() string {
	return "escrow_transactions"
}

// BeforeCreate assigns the opaque id.
func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (t.BuyerID == userID || t.SellerID == userID)
}
