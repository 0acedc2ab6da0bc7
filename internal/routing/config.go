// Package routing ties accounts, flows, and the smart-switch policy together
// into the configuration snapshot clients see.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/catalog"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"gorm.io/gorm"
)

const configKey = "routing_config"

// Route maps a flow onto a provider, optionally pinning an account or model.
type Route struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	AccountID string `json:"account_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Flow is one client-selectable dispatch path. Route references an entry of
// AccountRouting.Routes by id.
type Flow struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Route  string `json:"route"`
	Active bool   `json:"active"`
}

// AccountRouting is the account-selection policy.
type AccountRouting struct {
	SmartSwitch bool    `json:"smart_switch"`
	Routes      []Route `json:"routes"`
}

// Config is the persisted routing configuration. Version and UpdatedAt are
// refreshed on every write.
type Config struct {
	Version        int64          `json:"version"`
	UpdatedAt      int64          `json:"updated_at"`
	Flows          []Flow         `json:"flows"`
	AccountRouting AccountRouting `json:"account_routing"`
}

// Snapshot is the live view returned to clients: the stored configuration
// plus the merged model catalog per provider.
type Snapshot struct {
	Version        int64                       `json:"version"`
	UpdatedAt      int64                       `json:"updated_at"`
	Flows          []Flow                      `json:"flows"`
	AccountRouting AccountRouting              `json:"account_routing"`
	Models         map[string][]provider.Model `json:"models"`
}

// Service owns routing-config reads and validated writes.
type Service struct {
	db       *gorm.DB
	router   *accounts.Router
	catalog  *catalog.Catalog
	registry *provider.Registry
	now      func() time.Time

	mu sync.Mutex // serializes read-modify-write cycles
}

func NewService(db *gorm.DB, router *accounts.Router, cat *catalog.Catalog, registry *provider.Registry) *Service {
	return &Service{db: db, router: router, catalog: cat, registry: registry, now: time.Now}
}

// WithClock replaces the wall clock, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Validate rejects inconsistent configs instead of silently dropping parts:
// duplicate ids, unknown providers, and flows referencing nonexistent routes
// are all errors.
func Validate(cfg *Config) error {
	routeIDs := make(map[string]bool, len(cfg.AccountRouting.Routes))
	for _, r := range cfg.AccountRouting.Routes {
		if r.ID == "" {
			return fmt.Errorf("route with empty id")
		}
		if routeIDs[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		if _, err := provider.Parse(r.Provider); err != nil {
			return fmt.Errorf("route %q: %w", r.ID, err)
		}
		routeIDs[r.ID] = true
	}

	flowIDs := make(map[string]bool, len(cfg.Flows))
	for _, f := range cfg.Flows {
		if f.ID == "" {
			return fmt.Errorf("flow with empty id")
		}
		if flowIDs[f.ID] {
			return fmt.Errorf("duplicate flow id %q", f.ID)
		}
		if !routeIDs[f.Route] {
			return fmt.Errorf("flow %q references nonexistent route %q", f.ID, f.Route)
		}
		flowIDs[f.ID] = true
	}
	return nil
}

// Load reads the stored config, falling back to the built-in default on
// first run.
func (s *Service) Load() (*Config, error) {
	var row models.Config
	if err := s.db.Where("key = ?", configKey).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg := defaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to load routing config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(row.Value), &cfg); err != nil {
		return nil, fmt.Errorf("stored routing config is corrupt: %w", err)
	}
	return &cfg, nil
}

// Save validates and persists a config, bumping Version and UpdatedAt.
func (s *Service) Save(cfg Config) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *Service) saveLocked(cfg Config) (*Config, error) {
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	prev, err := s.Load()
	if err != nil {
		return nil, err
	}
	cfg.Version = prev.Version + 1
	cfg.UpdatedAt = s.now().UnixMilli()

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	row := models.Config{Key: configKey, Value: string(raw)}
	if err := s.db.Save(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to persist routing config: %w", err)
	}
	return &cfg, nil
}

// SetActiveFlow marks one flow active and the others inactive.
func (s *Service) SetActiveFlow(id string) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}
	found := false
	for i := range cfg.Flows {
		if cfg.Flows[i].ID == id {
			cfg.Flows[i].Active = true
			found = true
		} else {
			cfg.Flows[i].Active = false
		}
	}
	if !found {
		return nil, fmt.Errorf("flow not found: %q", id)
	}
	return s.saveLocked(*cfg)
}

// GetConfig builds the live snapshot. Exactly one dynamic-catalog refresh is
// attempted per provider per call, never one per account. Providers without
// any account are skipped entirely.
func (s *Service) GetConfig(ctx context.Context) (*Snapshot, error) {
	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}

	modelsByProvider := make(map[string][]provider.Model)
	for _, name := range s.registry.Names() {
		p, err := s.registry.Get(string(name))
		if err != nil {
			continue
		}
		s.catalog.Refresh(ctx, p, s.router, cfg.AccountRouting.SmartSwitch)
		modelsByProvider[string(name)] = s.catalog.Visible(name)
	}

	return &Snapshot{
		Version:        cfg.Version,
		UpdatedAt:      cfg.UpdatedAt,
		Flows:          cfg.Flows,
		AccountRouting: cfg.AccountRouting,
		Models:         modelsByProvider,
	}, nil
}

// SmartSwitch reports the stored smart-switch policy.
func (s *Service) SmartSwitch() bool {
	cfg, err := s.Load()
	if err != nil {
		return false
	}
	return cfg.AccountRouting.SmartSwitch
}

// defaultConfig is the first-run configuration: one route and flow per
// provider, the antigravity flow active, smart switch on.
func defaultConfig() Config {
	cfg := Config{
		AccountRouting: AccountRouting{SmartSwitch: true},
	}
	for i, name := range provider.All() {
		routeID := string(name) + "-default"
		cfg.AccountRouting.Routes = append(cfg.AccountRouting.Routes, Route{
			ID:       routeID,
			Provider: string(name),
		})
		cfg.Flows = append(cfg.Flows, Flow{
			ID:     string(name),
			Name:   string(name),
			Route:  routeID,
			Active: i == 0,
		})
	}
	return cfg
}
