package accounts

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"github.com/pysugar/oauth-ai-gateway/internal/util"
	"gorm.io/gorm"
)

// defaultRateLimitBackoff is applied when the upstream gives no Retry-After.
const defaultRateLimitBackoff = 5 * time.Minute

// Router picks the account that serves the next request for a provider and
// rotates away from rate-limited accounts when the smart switch is on.
type Router struct {
	store *Store
	db    *gorm.DB
	now   func() time.Time
}

func NewRouter(store *Store, db *gorm.DB) *Router {
	return &Router{store: store, db: db, now: time.Now}
}

// WithClock replaces the wall clock, for deterministic tests.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Pick returns the first eligible account for a provider in insertion order.
// Accounts whose rate limit has not elapsed are skipped. When every account
// is limited, the least-recently-limited one is returned (fail open rather
// than refusing service). ErrNoAccount only when the list is empty.
func (r *Router) Pick(providerName string) (*models.Account, error) {
	accs, err := r.store.List(providerName)
	if err != nil {
		return nil, err
	}

	now := r.now()
	var fallback *models.Account
	for i := range accs {
		acc := &accs[i]
		if !acc.IsActive {
			continue
		}
		if acc.RateLimitedUntil.IsZero() || !acc.RateLimitedUntil.After(now) {
			return acc, nil
		}
		if fallback == nil || acc.RateLimitedUntil.Before(fallback.RateLimitedUntil) {
			fallback = acc
		}
	}
	if fallback != nil {
		log.Printf("⚠️ All %s accounts rate-limited, failing open with %s", providerName, fallback.Email)
		return fallback, nil
	}
	return nil, ErrNoAccount
}

// Dispatch runs call against the picked account. When smartSwitch is on and
// the call fails with a rate-limit classification, the account is marked
// limited and the next eligible account is tried, at most one attempt per
// distinct account, so exhausted providers terminate instead of looping.
func (r *Router) Dispatch(ctx context.Context, providerName, operation string, smartSwitch bool, call func(ctx context.Context, acc *models.Account) error) (*models.Account, error) {
	tried := make(map[string]bool)
	for {
		acc, err := r.Pick(providerName)
		if err != nil {
			return nil, err
		}
		if tried[acc.ID] {
			return acc, &provider.RateLimitError{
				Provider: provider.Name(providerName),
				Message:  "all accounts are rate limited",
			}
		}
		tried[acc.ID] = true

		start := r.now()
		err = call(ctx, acc)
		r.logRequest(providerName, acc, operation, start, err)
		if err == nil {
			return acc, nil
		}
		if !provider.IsRateLimit(err) {
			return acc, err
		}

		until := r.now().Add(retryAfter(err))
		if markErr := r.store.MarkRateLimited(providerName, acc.ID, until); markErr != nil {
			log.Printf("⚠️ Failed to mark %s/%s rate-limited: %v", providerName, acc.ID, markErr)
		}
		log.Printf("🚦 Account %s (%s) rate-limited until %s", acc.Email, providerName, until.Format(time.RFC3339))

		if !smartSwitch {
			return acc, err
		}
	}
}

func retryAfter(err error) time.Duration {
	var rl *provider.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return defaultRateLimitBackoff
}

// logRequest records the dispatch outcome for monitoring. Logging failures
// never affect the caller.
func (r *Router) logRequest(providerName string, acc *models.Account, operation string, start time.Time, callErr error) {
	if r.db == nil {
		return
	}
	entry := models.RequestLog{
		ID:           uuid.New().String(),
		Timestamp:    start.UnixMilli(),
		Provider:     providerName,
		AccountID:    acc.ID,
		AccountEmail: acc.Email,
		Operation:    operation,
		Duration:     r.now().Sub(start).Milliseconds(),
		RateLimited:  provider.IsRateLimit(callErr),
	}
	if callErr != nil {
		entry.Error = util.TruncateLog(callErr.Error(), util.DefaultLogMaxLen)
	}
	if err := r.db.Create(&entry).Error; err != nil {
		log.Printf("⚠️ Failed to write request log: %v", err)
	}
}
