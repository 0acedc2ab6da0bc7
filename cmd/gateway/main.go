package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/api/handlers"
	"github.com/pysugar/oauth-ai-gateway/internal/api/middleware"
	"github.com/pysugar/oauth-ai-gateway/internal/auth/session"
	"github.com/pysugar/oauth-ai-gateway/internal/catalog"
	"github.com/pysugar/oauth-ai-gateway/internal/db"
	"github.com/pysugar/oauth-ai-gateway/internal/logging"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"github.com/pysugar/oauth-ai-gateway/internal/provider/antigravity"
	"github.com/pysugar/oauth-ai-gateway/internal/provider/codex"
	"github.com/pysugar/oauth-ai-gateway/internal/provider/copilot"
	"github.com/pysugar/oauth-ai-gateway/internal/routing"
	"github.com/pysugar/oauth-ai-gateway/internal/version"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	dbPath := os.Getenv("GATEWAY_DB")
	if dbPath == "" {
		dbPath = "gateway.db"
	}
	database, err := db.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	registry := provider.NewRegistry(
		antigravity.New(),
		codex.New(),
		copilot.New(),
	)

	store := accounts.NewStore(database)
	router := accounts.NewRouter(store, database)

	refresher := accounts.NewRefresher(store, registry)
	refresher.StartLoop(context.Background())

	hub, err := session.NewHub(registry, store)
	if err != nil {
		log.Fatalf("Failed to build session hub: %v", err)
	}

	cat := catalog.New()
	routingSvc := routing.NewService(database, router, cat, registry)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestIDMiddleware)

	// Optional admin auth middleware
	adminPassword := os.Getenv("GATEWAY_ADMIN_PASSWORD")
	optionalAdminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	// Management API (protected if GATEWAY_ADMIN_PASSWORD is set)
	r.Route("/api", func(r chi.Router) {
		r.Use(optionalAdminAuth)

		// OAuth sessions
		r.Post("/oauth/{provider}/start", handlers.StartOAuthHandler(hub))
		r.Get("/oauth/{provider}/poll", handlers.PollOAuthHandler(hub))
		r.Post("/oauth/{provider}/cancel", handlers.CancelOAuthHandler(hub))

		// Device flow
		r.Post("/oauth/{provider}/device/start", handlers.StartDeviceFlowHandler(hub))
		r.Get("/oauth/{provider}/device/poll", handlers.PollDeviceSessionHandler(hub))
		r.Post("/oauth/{provider}/device/cancel", handlers.CancelDeviceSessionHandler(hub))

		// Account management
		r.Get("/accounts", handlers.ListAccountsHandler(store))
		r.Delete("/accounts/{provider}/{id}", handlers.RemoveAccountHandler(store))

		// Routing config
		r.Get("/routing/config", handlers.GetRoutingConfigHandler(routingSvc))
		r.Put("/routing/config", handlers.SaveRoutingConfigHandler(routingSvc))
		r.Post("/routing/flows/{id}/activate", handlers.ActivateFlowHandler(routingSvc))

		// API Key management
		r.Get("/config/apikey", handlers.GetAPIKeyHandler(database))
		r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(database))

		// Refresh tokens
		r.Post("/refresh", handlers.RefreshHandler(refresher))
	})

	// Client-facing API (API key required)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Get("/models", handlers.OpenAIModelsListHandler(cat))
	})

	// Removed credential bundle endpoints, kept as a fixed 410 contract
	gone := handlers.BundleGoneHandler()
	r.HandleFunc("/bundle/export", gone)
	r.HandleFunc("/bundle/import", gone)
	r.HandleFunc("/auth/export", gone)
	r.HandleFunc("/auth/import", gone)

	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1" // Default to localhost, set HOST=0.0.0.0 for LAN access
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	addr := host + ":" + port

	log.Printf("🚀 OAuth-AI-Gateway %s starting on http://%s", version.Version, addr)
	log.Printf("🔑 Providers: antigravity, codex, copilot")
	log.Printf("🔌 Models API: http://%s/v1/models", addr)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
