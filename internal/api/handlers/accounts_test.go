package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *accounts.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return accounts.NewStore(db)
}

func TestListAccountsHandler(t *testing.T) {
	store := newTestStore(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { clock = clock.Add(time.Second); return clock })

	store.Add(models.Account{ID: "a@x.com", Provider: "codex", AccessToken: "secret-token", Email: "a@x.com"})
	store.Add(models.Account{ID: "b@x.com", Provider: "copilot", AccessToken: "secret-token", Email: "b@x.com"})

	rec := httptest.NewRecorder()
	ListAccountsHandler(store)(rec, httptest.NewRequest(http.MethodGet, "/api/accounts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Accounts []map[string]any `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(body.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(body.Accounts))
	}
	for _, acc := range body.Accounts {
		for key := range acc {
			if key == "access_token" || key == "refresh_token" {
				t.Errorf("listing must never expose %s", key)
			}
		}
	}

	// Provider filter narrows the list; an unknown provider is a client error.
	rec = httptest.NewRecorder()
	ListAccountsHandler(store)(rec, httptest.NewRequest(http.MethodGet, "/api/accounts?provider=codex", nil))
	body.Accounts = nil
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Accounts) != 1 {
		t.Errorf("filtered accounts = %d, want 1", len(body.Accounts))
	}

	rec = httptest.NewRecorder()
	ListAccountsHandler(store)(rec, httptest.NewRequest(http.MethodGet, "/api/accounts?provider=bedrock", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider status = %d, want 400", rec.Code)
	}
}

func TestRemoveAccountHandler(t *testing.T) {
	store := newTestStore(t)
	store.Add(models.Account{ID: "a@x.com", Provider: "codex", AccessToken: "t"})

	r := chi.NewRouter()
	r.Delete("/api/accounts/{provider}/{id}", RemoveAccountHandler(store))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/accounts/codex/a@x.com", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if _, err := store.Get("codex", "a@x.com"); err == nil {
		t.Error("account should be gone after delete")
	}
}
