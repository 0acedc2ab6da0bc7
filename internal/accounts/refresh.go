package accounts

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/pysugar/oauth-ai-gateway/internal/provider"
)

const (
	refreshInterval  = 15 * time.Minute
	refreshThreshold = 20 * time.Minute
)

// Refresher keeps stored access tokens fresh. Each provider supplies its own
// refresh protocol; the refresher only decides when to call it and how to
// react to failures.
type Refresher struct {
	store    *Store
	registry *provider.Registry
}

func NewRefresher(store *Store, registry *provider.Registry) *Refresher {
	return &Refresher{store: store, registry: registry}
}

// StartLoop refreshes expiring tokens on a fixed interval until ctx ends.
func (r *Refresher) StartLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RefreshExpiring(ctx)
			}
		}
	}()
	log.Printf("🔄 Token refresh loop started (interval: %s)", refreshInterval)
}

// RefreshExpiring refreshes every active account whose token expires within
// the threshold window.
func (r *Refresher) RefreshExpiring(ctx context.Context) {
	accs, err := r.store.List("")
	if err != nil {
		log.Printf("⚠️ Failed to list accounts for refresh: %v", err)
		return
	}
	deadline := time.Now().Add(refreshThreshold)
	for i := range accs {
		acc := &accs[i]
		if !acc.IsActive || acc.RefreshToken == "" {
			continue
		}
		if acc.ExpiresAt.IsZero() || acc.ExpiresAt.After(deadline) {
			continue
		}
		r.RefreshAccount(ctx, acc.Provider, acc.ID)
	}
}

// RefreshAccount refreshes a single account's token. Permanent auth failures
// deactivate the account so the router stops picking it; transient failures
// leave it active for the next pass.
func (r *Refresher) RefreshAccount(ctx context.Context, providerName, id string) {
	acc, err := r.store.Get(providerName, id)
	if err != nil {
		log.Printf("⚠️ Refresh skipped, %v", err)
		return
	}
	p, err := r.registry.Get(providerName)
	if err != nil {
		log.Printf("⚠️ Refresh skipped for %s/%s: %v", providerName, id, err)
		return
	}

	tok, err := p.RefreshAccessToken(ctx, acc.RefreshToken)
	if err != nil {
		log.Printf("❌ Refresh failed for %s (%s): %v", acc.Email, providerName, err)
		if isPermanentRefreshError(err) {
			if derr := r.store.Deactivate(providerName, id); derr == nil {
				log.Printf("🔒 Account %s marked inactive, re-login required", acc.Email)
			}
		}
		return
	}

	if err := r.store.UpdateTokens(providerName, id, tok); err != nil {
		log.Printf("⚠️ Failed to persist refreshed token for %s: %v", acc.Email, err)
		return
	}
	log.Printf("✅ Refreshed token for %s (%s, expires %s)", acc.Email, providerName, tok.ExpiresAt.Format(time.RFC3339))
}

// isPermanentRefreshError distinguishes revoked/expired grants, which need a
// fresh login, from transient network or upstream failures.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
