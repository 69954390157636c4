package models

import "time"

// QuotaDateFormat is the UTC day key used for daily quota rows.
const QuotaDateFormat = "2006-01-02"

// QuotaRecord is one device's generation counter for one UTC day. Rows are
// created lazily on first use of the day; `generations_used <= max_generations`
// is enforced by a conditional increment, never read-then-write.
type QuotaRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	DeviceID        string    `gorm:"uniqueIndex:idx_quota_device_date;not null" json:"device_id"`
	Date            string    `gorm:"uniqueIndex:idx_quota_device_date;not null" json:"date"` // UTC, YYYY-MM-DD
	GenerationsUsed int       `json:"generations_used"`
	MaxGenerations  int       `json:"max_generations"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DraftQuota is the refinement counter for one playlist draft.
type DraftQuota struct {
	DraftID         string    `gorm:"primaryKey" json:"draft_id"`
	RefinementsUsed int       `json:"refinements_used"`
	MaxRefinements  int       `json:"max_refinements"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
