package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
)

// ListAccountsHandler returns account summaries (never raw tokens) for one
// provider or all of them, in insertion order.
func ListAccountsHandler(store *accounts.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := store.Summaries(r.URL.Query().Get("provider"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"accounts": summaries})
	}
}

// RemoveAccountHandler deletes one stored credential.
func RemoveAccountHandler(store *accounts.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")
		id := chi.URLParam(r, "id")
		if err := store.Remove(providerName, id); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// RefreshHandler triggers a refresh pass over expiring tokens.
func RefreshHandler(refresher *accounts.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refresher.RefreshExpiring(r.Context())
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"message": "Token refresh triggered",
		})
	}
}
