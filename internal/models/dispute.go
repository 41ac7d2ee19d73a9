package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DisputeStatus string
type DisputeWinner string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeInReview DisputeStatus = "IN_REVIEW"
	DisputeResolved DisputeStatus = "RESOLVED"
	DisputeClosed   DisputeStatus = "CLOSED"
)

const (
	WinnerBuyer  DisputeWinner = "buyer"
	WinnerSeller DisputeWinner = "seller"
)

// IsActive reports whether the dispute still blocks a new one.
func (s DisputeStatus) IsActive() bool {
	return s == DisputeOpen || s == DisputeInReview
}

type Dispute struct {
	ID            string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	TransactionID string        `gorm:"type:varchar(36);not null;index" json:"transaction_id"`
	RaisedByID    string        `gorm:"type:varchar(64);not null;index" json:"raised_by_id"`
	Reason        string        `gorm:"type:text;not null" json:"reason"`
	EvidenceURL   string        `gorm:"type:text" json:"evidence_url,omitempty"`
	Status        DisputeStatus `gorm:"type:varchar(20);not null;default:'OPEN';index" json:"status"`
	Winner        DisputeWinner `gorm:"type:varchar(10)" json:"winner,omitempty"`
	Resolution    string        `gorm:"type:text" json:"resolution,omitempty"`
	ResolvedByID  *string       `gorm:"type:varchar(64)" json:"resolved_by_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`

	Transaction *Transaction `gorm:"foreignKey:TransactionID" json:"transaction,omitempty"`
}

func (Dispute) TableName() string {
	return "disputes"
}

func (d *Dispute) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}
