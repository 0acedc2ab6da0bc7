package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestBundleGoneHandler_AllPathsAndMethods(t *testing.T) {
	r := chi.NewRouter()
	gone := BundleGoneHandler()
	r.HandleFunc("/bundle/export", gone)
	r.HandleFunc("/bundle/import", gone)
	r.HandleFunc("/auth/export", gone)
	r.HandleFunc("/auth/import", gone)

	paths := []string{"/bundle/export", "/bundle/import", "/auth/export", "/auth/import"}
	methods := []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

	for _, path := range paths {
		for _, method := range methods {
			req := httptest.NewRequest(method, path, strings.NewReader(`{"accounts":[]}`))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusGone {
				t.Errorf("%s %s: status = %d, want 410", method, path, rec.Code)
			}

			var body struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("%s %s: invalid JSON body: %v", method, path, err)
			}
			if body.Success {
				t.Errorf("%s %s: success = true, want false", method, path)
			}
			if body.Error != "Credential bundle export/import has been removed." {
				t.Errorf("%s %s: error = %q", method, path, body.Error)
			}
		}
	}
}
