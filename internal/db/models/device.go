package models

import "time"

// Device is a server-issued client identifier. It partitions quotas and session
// lookups; it is not a credential.
type Device struct {
	ID           string    `gorm:"primaryKey" json:"id"` // UUID
	Platform     string    `json:"platform,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}
