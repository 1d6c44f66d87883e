package domain

import (
	"time"
)

// Account represents an authenticated user of the system.
type Account struct {
	AccountID    string    `json:"account_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile holds the user information carried in the agent handshake.
// It is loaded once per identity and treated as read-only input.
type Profile struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Company   string `json:"company"`
	Role      string `json:"role"`
	Industry  string `json:"industry"`
	City      string `json:"city"`
	Country   string `json:"country"`
}

// IsZero reports whether no profile fields have been filled in.
func (p Profile) IsZero() bool {
	return p == Profile{}
}
