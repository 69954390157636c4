package models

import "time"

// Session stores the server-issued credential bundle tying one device to one
// Spotify account. One active session per device: a new session for the same
// device supersedes the previous one.
type Session struct {
	ID             string    `gorm:"primaryKey" json:"id"` // UUID
	DeviceID       string    `gorm:"index" json:"device_id"`
	AccountID      string    `json:"account_id"` // Spotify user ID
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"-"` // external access token expiry
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"` // session expiry
}

// Expired reports whether the session itself is past its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
