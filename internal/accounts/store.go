// Package accounts holds the durable multi-account registry and the
// selection/rotation logic that decides which credential serves a request.
package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"gorm.io/gorm"
)

// ErrNoAccount is returned when a provider has no stored accounts at all.
var ErrNoAccount = errors.New("no account available")

// Store is the gorm-backed account registry. Listing is always in insertion
// order (created_at, then id), the deterministic tie-break used downstream.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the wall clock, for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Add upserts an account by (provider, id). Re-adding an existing id keeps
// the original CreatedAt so insertion order survives token refreshes.
func (s *Store) Add(acc models.Account) error {
	if acc.ID == "" {
		return fmt.Errorf("account id must not be empty")
	}
	if acc.AccessToken == "" {
		return fmt.Errorf("account %s has no access token", acc.ID)
	}
	if _, err := provider.Parse(acc.Provider); err != nil {
		return err
	}

	var existing models.Account
	err := s.db.Where("provider = ? AND id = ?", acc.Provider, acc.ID).First(&existing).Error
	switch {
	case err == nil:
		// Re-auth of a known account: replace the credential material in
		// place, scoped to this provider's row only.
		// A fresh login also clears any lingering rate limit.
		updates := map[string]any{
			"access_token":       acc.AccessToken,
			"expires_at":         acc.ExpiresAt,
			"email":              acc.Email,
			"project_id":         acc.ProjectID,
			"is_active":          true,
			"rate_limited_until": time.Time{},
			"updated_at":         s.now(),
		}
		if acc.RefreshToken != "" {
			updates["refresh_token"] = acc.RefreshToken
		}
		if acc.Label != "" {
			updates["label"] = acc.Label
		}
		return s.db.Model(&models.Account{}).
			Where("provider = ? AND id = ?", acc.Provider, acc.ID).
			Updates(updates).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		acc.CreatedAt = s.now()
		acc.UpdatedAt = s.now()
		acc.IsActive = true
		return s.db.Create(&acc).Error
	default:
		return err
	}
}

// List returns accounts for one provider, or for all providers when the
// filter is empty, in insertion order.
func (s *Store) List(providerName string) ([]models.Account, error) {
	var accs []models.Account
	q := s.db.Order("created_at ASC, id ASC")
	if providerName != "" {
		name, err := provider.Parse(providerName)
		if err != nil {
			return nil, err
		}
		q = q.Where("provider = ?", string(name))
	}
	if err := q.Find(&accs).Error; err != nil {
		return nil, err
	}
	return accs, nil
}

// Get looks up a single account.
func (s *Store) Get(providerName, id string) (*models.Account, error) {
	var acc models.Account
	err := s.db.Where("provider = ? AND id = ?", providerName, id).First(&acc).Error
	if err != nil {
		return nil, fmt.Errorf("account not found: %s/%s", providerName, id)
	}
	return &acc, nil
}

// Remove deletes an account. Unknown ids are a no-op.
func (s *Store) Remove(providerName, id string) error {
	return s.db.Where("provider = ? AND id = ?", providerName, id).
		Delete(&models.Account{}).Error
}

// MarkRateLimited flags an account as quota-exhausted until the given time.
// The account stays in the registry; selection skips it while limited.
func (s *Store) MarkRateLimited(providerName, id string, until time.Time) error {
	return s.db.Model(&models.Account{}).
		Where("provider = ? AND id = ?", providerName, id).
		Update("rate_limited_until", until).Error
}

// UpdateTokens replaces the credential material after a refresh, leaving
// identity and insertion order untouched.
func (s *Store) UpdateTokens(providerName, id string, tok *provider.Token) error {
	updates := map[string]any{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt,
		"is_active":    true,
	}
	if tok.RefreshToken != "" {
		updates["refresh_token"] = tok.RefreshToken
	}
	return s.db.Model(&models.Account{}).
		Where("provider = ? AND id = ?", providerName, id).
		Updates(updates).Error
}

// Deactivate marks an account unusable after a permanent refresh failure.
func (s *Store) Deactivate(providerName, id string) error {
	return s.db.Model(&models.Account{}).
		Where("provider = ? AND id = ?", providerName, id).
		Update("is_active", false).Error
}

// Summaries returns the token-free external view used by listings.
func (s *Store) Summaries(providerName string) ([]models.Summary, error) {
	accs, err := s.List(providerName)
	if err != nil {
		return nil, err
	}
	out := make([]models.Summary, 0, len(accs))
	for i := range accs {
		out = append(out, accs[i].Summarize())
	}
	return out, nil
}
