package models

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User mirrors the identity service's account row. The escrow core only
// reads it: to resolve a seller and to find the seller's payout destination.
type User struct {
	ID              string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	FullName        string    `gorm:"not null" json:"full_name"`
	Email           string    `gorm:"uniqueIndex;not null" json:"email"`
	Role            string    `gorm:"default:'user'" json:"role"`
	PayoutAccountID string    `gorm:"type:varchar(128)" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// IsAdmin checks if user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// HasPayoutDestination reports whether funds can be transferred to the user.
func (u *User) HasPayoutDestination() bool {
	return u.PayoutAccountID != ""
}
