package models

import "time"

// Account stores one reusable credential for an upstream provider. The
// primary key is composite: ID is stable per provider (derived from the
// email or login at creation), and the same identity may hold credentials
// for several providers at once.
type Account struct {
	ID       string `gorm:"primaryKey"`
	Provider string `gorm:"primaryKey;index"` // antigravity | codex | copilot

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	Email string // email for OAuth providers, github login for copilot
	Label string

	// ProjectID is the provider workspace identifier; synthesized
	// deterministically from the account id when the upstream omits one.
	ProjectID string

	IsActive bool `gorm:"default:true"`

	// RateLimitedUntil is zero unless the account hit a quota failure.
	RateLimitedUntil time.Time

	CreatedAt time.Time // insertion order, the deterministic tie-break
	UpdatedAt time.Time
}

// Summary is the external view of an account: no raw tokens.
type Summary struct {
	ID               string `json:"id"`
	Provider         string `json:"provider"`
	Email            string `json:"email"`
	Label            string `json:"label,omitempty"`
	ProjectID        string `json:"project_id,omitempty"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
	RateLimitedUntil int64  `json:"rate_limited_until,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// Summarize strips the credential material for client-facing listings.
func (a *Account) Summarize() Summary {
	s := Summary{
		ID:        a.ID,
		Provider:  a.Provider,
		Email:     a.Email,
		Label:     a.Label,
		ProjectID: a.ProjectID,
		CreatedAt: a.CreatedAt.UnixMilli(),
	}
	if !a.ExpiresAt.IsZero() {
		s.ExpiresAt = a.ExpiresAt.UnixMilli()
	}
	if !a.RateLimitedUntil.IsZero() {
		s.RateLimitedUntil = a.RateLimitedUntil.UnixMilli()
	}
	return s
}
