package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth-ai-gateway/internal/auth/session"
)

// StartOAuthHandler begins (or idempotently resumes) the browser OAuth
// session for a provider.
func StartOAuthHandler(hub *session.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, err := hub.Manager(chi.URLParam(r, "provider"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		desc, err := mgr.Start(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, desc)
	}
}

// PollOAuthHandler reports the progress of a session identified by its state
// token. Completion failures come back as status "error", never as HTTP
// failures.
func PollOAuthHandler(hub *session.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, err := hub.Manager(chi.URLParam(r, "provider"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		state := r.URL.Query().Get("state")
		respondJSON(w, http.StatusOK, mgr.Poll(r.Context(), state))
	}
}

// CancelOAuthHandler tears down the active session. The optional state token
// must match when given.
func CancelOAuthHandler(hub *session.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, err := hub.Manager(chi.URLParam(r, "provider"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var body struct {
			State string `json:"state"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		respondJSON(w, http.StatusOK, map[string]bool{
			"cancelled": mgr.Cancel(body.State),
		})
	}
}

// StartDeviceFlowHandler requests device/user codes for a device-flow
// provider.
func StartDeviceFlowHandler(hub *session.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dm, err := hub.Device(chi.URLParam(r, "provider"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		auth, err := dm.Start(r.Context())
		if err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, auth)
	}
}

// PollDeviceSessionHandler polls the upstream device-token endpoint once.
func PollDeviceSessionHandler(hub *session.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dm, err := hub.Device(chi.URLParam(r, "provider"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		deviceCode := r.URL.Query().Get("device_code")
		respondJSON(w, http.StatusOK, dm.Poll(r.Context(), deviceCode))
	}
}

// CancelDeviceSessionHandler tears down the active device session. The
// optional device code must match when given.
func CancelDeviceSessionHandler(hub *session.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dm, err := hub.Device(chi.URLParam(r, "provider"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var body struct {
			DeviceCode string `json:"device_code"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		respondJSON(w, http.StatusOK, map[string]bool{
			"cancelled": dm.Cancel(body.DeviceCode),
		})
	}
}
