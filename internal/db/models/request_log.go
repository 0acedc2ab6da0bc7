package models

// RequestLog records one dispatched provider request for monitoring.
type RequestLog struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Timestamp    int64  `gorm:"index" json:"timestamp"`
	Provider     string `gorm:"index" json:"provider"`
	AccountID    string `gorm:"index" json:"account_id"`
	AccountEmail string `json:"account_email,omitempty"`
	Operation    string `json:"operation"`
	Duration     int64  `json:"duration"` // milliseconds
	RateLimited  bool   `json:"rate_limited"`
	Error        string `json:"error,omitempty"`
}
