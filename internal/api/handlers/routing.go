package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth-ai-gateway/internal/routing"
)

// GetRoutingConfigHandler returns the live snapshot: flows, the account
// routing policy, and the merged model catalog per provider.
func GetRoutingConfigHandler(svc *routing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := svc.GetConfig(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, snapshot)
	}
}

// SaveRoutingConfigHandler persists a validated config body.
func SaveRoutingConfigHandler(svc *routing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg routing.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			respondError(w, http.StatusBadRequest, "invalid config body: "+err.Error())
			return
		}
		saved, err := svc.Save(cfg)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, saved)
	}
}

// ActivateFlowHandler marks one flow active.
func ActivateFlowHandler(svc *routing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		saved, err := svc.SetActiveFlow(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, saved)
	}
}
