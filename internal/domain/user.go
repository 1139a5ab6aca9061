// Package domain contains core domain types for the Carat image studio.
package domain

import (
	"time"
)

// User is an anonymous, cookie-bound visitor. DisplayName is set once
// onboarding captures the visitor's name.
type User struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsOnboarded returns true if the user's name has been recorded.
func (u *User) IsOnboarded() bool {
	return u.DisplayName != ""
}
