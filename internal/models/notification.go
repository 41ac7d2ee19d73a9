package models

import (
	"time"

	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationTransactionCreated   NotificationType = "transaction_created"
	NotificationPasscodeIssued       NotificationType = "passcode_issued"
	NotificationTransactionConfirmed NotificationType = "transaction_confirmed"
	NotificationPaymentHeld          NotificationType = "payment_held"
	NotificationShipped              NotificationType = "shipped"
	NotificationDelivered            NotificationType = "delivered"
	NotificationFundsReleased        NotificationType = "funds_released"
	NotificationRefunded             NotificationType = "refunded"
	NotificationDisputeRaised        NotificationType = "dispute_raised"
	NotificationDisputeResolved      NotificationType = "dispute_resolved"
	NotificationReconciliation       NotificationType = "reconciliation_required"
)

type Notification struct {
	ID        uint             `json:"id" gorm:"primaryKey"`
	UserID    string           `json:"user_id" gorm:"type:varchar(64);not null;index"`
	Type      NotificationType `json:"type" gorm:"type:varchar(50);not null"`
	Title     string           `json:"title" gorm:"type:varchar(255);not null"`
	Message   string           `json:"message" gorm:"type:text;not null"`
	IsRead    bool             `json:"is_read" gorm:"default:false;index"`
	Data      string           `json:"data" gorm:"type:text"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

// BeforeCreate hook
func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return nil
}
