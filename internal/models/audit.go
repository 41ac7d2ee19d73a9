package models

import "time"

// Confirmation is an append-only audit entry for each confirm action.
type Confirmation struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	TransactionID string    `gorm:"type:varchar(36);not null;index" json:"transaction_id"`
	UserID        string    `gorm:"type:varchar(64);not null" json:"user_id"`
	ConfirmedAt   time.Time `gorm:"not null" json:"confirmed_at"`
	IPAddress     string    `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent     string    `gorm:"type:text" json:"user_agent,omitempty"`
}

func (Confirmation) TableName() string {
	return "confirmations"
}

// TrackingUpdate is one carrier checkpoint. History is ordered by Timestamp,
// not by insertion.
type TrackingUpdate struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	TransactionID string    `gorm:"type:varchar(36);not null;index" json:"transaction_id"`
	Status        string    `gorm:"type:varchar(64)" json:"status"`
	Location      string    `gorm:"type:text" json:"location,omitempty"`
	Description   string    `gorm:"type:text" json:"description,omitempty"`
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
}

func (TrackingUpdate) TableName() string {
	return "tracking_updates"
}
