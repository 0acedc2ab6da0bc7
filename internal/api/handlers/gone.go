package handlers

import "net/http"

// goneMessage is a permanent contract: clients probing the removed bundle
// endpoints must see exactly this body, on any method and any payload.
const goneMessage = "Credential bundle export/import has been removed."

// BundleGoneHandler answers the removed credential export/import endpoints
// with a fixed 410 response.
func BundleGoneHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusGone, map[string]any{
			"success": false,
			"error":   goneMessage,
		})
	}
}
