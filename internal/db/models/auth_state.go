package models

import "time"

// AuthState is the ephemeral record created when an OAuth flow is initiated.
// It lives until the callback consumes it (one-time use) or until it expires
// and the sweep deletes it.
type AuthState struct {
	StateToken string    `gorm:"primaryKey" json:"state_token"`
	DeviceID   string    `gorm:"index" json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}

// Expired reports whether the state is past its TTL at the given instant.
func (s *AuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
