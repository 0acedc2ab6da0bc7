package models

import "time"

// Config stores key/value application state, including the persisted
// routing configuration (as a JSON value) and the generated API key.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
