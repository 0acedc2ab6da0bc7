// Package catalog merges each provider's dynamically fetched model list with
// a static baseline, producing the externally visible catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Models map[string][]provider.Model `yaml:"models"`
}

// Catalog holds the static baselines and the process-wide dynamic cache.
// One instance per process, injected where needed.
type Catalog struct {
	mu      sync.RWMutex
	static  map[provider.Name][]provider.Model
	dynamic map[provider.Name][]provider.Model
}

// New builds a catalog with the built-in baselines, overridden per provider
// by the optional models file.
func New() *Catalog {
	c := &Catalog{
		static:  defaultBaselines(),
		dynamic: make(map[provider.Name][]provider.Model),
	}
	if overrides, err := loadBaselineFile(); err != nil {
		log.Printf("⚠️ Failed to load models baseline file: %v", err)
	} else {
		for name, list := range overrides {
			if n, err := provider.Parse(name); err == nil && len(list) > 0 {
				c.static[n] = Sanitize(list)
			}
		}
	}
	return c
}

// Static returns the baseline list for a provider.
func (c *Catalog) Static(name provider.Name) []provider.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]provider.Model(nil), c.static[name]...)
}

// SetDynamic replaces the cached dynamic list for a provider.
func (c *Catalog) SetDynamic(name provider.Name, models []provider.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dynamic[name] = append([]provider.Model(nil), models...)
}

// ClearDynamic drops the cached dynamic list, restoring the static-only view.
func (c *Catalog) ClearDynamic(name provider.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dynamic, name)
}

// Visible is the merged, client-facing catalog for a provider.
func (c *Catalog) Visible(name provider.Name) []provider.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Merge(c.dynamic[name], c.static[name])
}

// Refresh attempts one dynamic-list fetch for the provider, dispatched
// through the account router so rate-limited accounts get marked and, when
// smartSwitch is on, the next account is tried. Fetch failures never reach
// the caller: the previous dynamic list (possibly empty) stays in place.
func (c *Catalog) Refresh(ctx context.Context, p provider.Provider, router *accounts.Router, smartSwitch bool) {
	var fetched []provider.Model
	_, err := router.Dispatch(ctx, string(p.Name()), "listModels", smartSwitch, func(ctx context.Context, acc *models.Account) error {
		got, err := p.ListRemoteModels(ctx, acc.AccessToken)
		if err != nil {
			return err
		}
		fetched = got
		return nil
	})
	if err != nil {
		// With no accounts at all the static baseline serves silently.
		if !errors.Is(err, accounts.ErrNoAccount) {
			log.Printf("⚠️ Model refresh failed for %s: %v", p.Name(), err)
		}
		return
	}
	if len(fetched) == 0 {
		return
	}
	c.SetDynamic(p.Name(), fetched)
}

// Sanitize trims ids and labels and drops entries whose trimmed id is empty.
func Sanitize(models []provider.Model) []provider.Model {
	out := make([]provider.Model, 0, len(models))
	for _, m := range models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		out = append(out, provider.Model{ID: id, Label: strings.TrimSpace(m.Label)})
	}
	return out
}

// Merge produces the visible catalog: the sanitized dynamic list,
// deduplicated by id keeping the first occurrence's label, followed by any
// static entries not already present. Deterministic and idempotent; an empty
// dynamic list yields exactly the static list.
func Merge(dynamic, static []provider.Model) []provider.Model {
	seen := make(map[string]bool, len(dynamic)+len(static))
	out := make([]provider.Model, 0, len(dynamic)+len(static))

	for _, m := range Sanitize(dynamic) {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	for _, m := range Sanitize(static) {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

// loadBaselineFile reads the optional yaml override. An absent file is not
// an error; a present-but-broken one is.
func loadBaselineFile() (map[string][]provider.Model, error) {
	path, err := resolveBaselinePath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models baseline file %q: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse models baseline file %q: %w", path, err)
	}
	return cfg.Models, nil
}

func resolveBaselinePath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("GATEWAY_MODELS_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/models.yaml",
		"/etc/oauth-ai-gateway/models.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "oauth-ai-gateway", "models.yaml"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// defaultBaselines is the fixed, provider-defined fallback catalog used when
// a provider reports nothing.
func defaultBaselines() map[provider.Name][]provider.Model {
	return map[provider.Name][]provider.Model{
		provider.Antigravity: {
			{ID: "gemini-3-pro-high", Label: "Gemini 3 Pro High"},
			{ID: "gemini-3-pro-low", Label: "Gemini 3 Pro Low"},
			{ID: "gemini-3-flash", Label: "Gemini 3 Flash"},
			{ID: "gemini-2.5-pro", Label: "Gemini 2.5 Pro"},
			{ID: "gemini-2.5-flash", Label: "Gemini 2.5 Flash"},
		},
		provider.Codex: {
			{ID: "gpt-5.2", Label: "GPT-5.2"},
			{ID: "gpt-5.2-codex", Label: "GPT-5.2 Codex"},
			{ID: "gpt-5", Label: "GPT-5"},
			{ID: "gpt-4o", Label: "GPT-4o"},
			{ID: "gpt-4o-mini", Label: "GPT-4o Mini"},
			{ID: "gpt-4.1", Label: "GPT-4.1"},
			{ID: "o3", Label: "o3"},
			{ID: "o4-mini", Label: "o4 Mini"},
		},
		provider.Copilot: {
			{ID: "gpt-4o", Label: "GPT-4o"},
			{ID: "gpt-4o-mini", Label: "GPT-4o Mini"},
			{ID: "o3-mini", Label: "o3 Mini"},
			{ID: "claude-sonnet-4.5", Label: "Claude Sonnet 4.5"},
			{ID: "claude-haiku-4.5", Label: "Claude Haiku 4.5"},
		},
	}
}
