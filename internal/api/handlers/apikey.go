package handlers

import (
	"net/http"

	"github.com/pysugar/oauth-ai-gateway/internal/db"
	"gorm.io/gorm"
)

// GetAPIKeyHandler returns the client-facing API key.
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"api_key": db.GetAPIKey(database),
		})
	}
}

// RegenerateAPIKeyHandler rotates the client-facing API key.
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"api_key": db.RegenerateAPIKey(database),
		})
	}
}
