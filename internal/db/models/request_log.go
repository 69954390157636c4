package models

// RequestLog stores one row per generation or refinement call for diagnostics.
// Prompts are truncated before persistence.
type RequestLog struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Timestamp  int64  `gorm:"index" json:"timestamp"`
	DeviceID   string `gorm:"index" json:"device_id"`
	Operation  string `json:"operation"` // "generate" or "refine"
	Provider   string `gorm:"index" json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Duration   int64  `json:"duration"` // milliseconds
	TrackCount int    `json:"track_count"`
	Error      string `json:"error,omitempty"`
	Prompt     string `gorm:"type:text" json:"prompt,omitempty"`
}
