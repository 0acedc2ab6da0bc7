package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/catalog"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.Config{}, &models.RequestLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := accounts.NewStore(db)
	router := accounts.NewRouter(store, db)
	return NewService(db, router, catalog.New(), provider.NewRegistry())
}

func validConfig() Config {
	return Config{
		Flows: []Flow{
			{ID: "main", Name: "Main", Route: "r1", Active: true},
		},
		AccountRouting: AccountRouting{
			SmartSwitch: true,
			Routes:      []Route{{ID: "r1", Provider: "codex"}},
		},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty route id", func(c *Config) { c.AccountRouting.Routes[0].ID = "" }, true},
		{"duplicate route id", func(c *Config) {
			c.AccountRouting.Routes = append(c.AccountRouting.Routes, Route{ID: "r1", Provider: "copilot"})
		}, true},
		{"unknown provider", func(c *Config) { c.AccountRouting.Routes[0].Provider = "bedrock" }, true},
		{"empty flow id", func(c *Config) { c.Flows[0].ID = "" }, true},
		{"duplicate flow id", func(c *Config) {
			c.Flows = append(c.Flows, Flow{ID: "main", Name: "Dup", Route: "r1"})
		}, true},
		{"dangling route reference", func(c *Config) { c.Flows[0].Route = "ghost" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_DefaultOnFirstRun(t *testing.T) {
	svc := newTestService(t)

	cfg, err := svc.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
	if len(cfg.Flows) != 3 {
		t.Errorf("default config should carry one flow per provider, got %d", len(cfg.Flows))
	}
	if !cfg.AccountRouting.SmartSwitch {
		t.Error("smart switch should default to on")
	}

	active := 0
	for _, f := range cfg.Flows {
		if f.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("exactly one default flow should be active, got %d", active)
	}
}

func TestLoad_CorruptStoredConfig(t *testing.T) {
	svc := newTestService(t)
	svc.db.Create(&models.Config{Key: configKey, Value: "{not json"})

	if _, err := svc.Load(); err == nil {
		t.Error("corrupt stored config must be an error, not silently replaced")
	}
}

func TestLoad_DatabaseFailureIsNotFirstRun(t *testing.T) {
	svc := newTestService(t)
	sqlDB, err := svc.db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.Close()

	if _, err := svc.Load(); err == nil {
		t.Error("a failing database must surface an error, not the default config")
	}
}

func TestSave_BumpsVersionAndTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t).WithClock(func() time.Time { return now })

	first, err := svc.Save(validConfig())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("first save version = %d, want 1", first.Version)
	}
	if first.UpdatedAt != now.UnixMilli() {
		t.Errorf("UpdatedAt = %d, want %d", first.UpdatedAt, now.UnixMilli())
	}

	now = now.Add(time.Minute)
	second, err := svc.Save(validConfig())
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("second save version = %d, want 2", second.Version)
	}
	if second.UpdatedAt <= first.UpdatedAt {
		t.Error("UpdatedAt must advance on every write")
	}
}

func TestSave_RejectsInvalidConfig(t *testing.T) {
	svc := newTestService(t)

	cfg := validConfig()
	cfg.Flows[0].Route = "ghost"
	if _, err := svc.Save(cfg); err == nil {
		t.Error("save must reject a flow referencing a nonexistent route")
	}

	// The rejected write must not bump the stored version.
	stored, err := svc.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Version != 0 {
		t.Errorf("stored version = %d after rejected write, want 0", stored.Version)
	}
}

func TestSetActiveFlow(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.SetActiveFlow("ghost"); err == nil {
		t.Error("activating an unknown flow must fail")
	}

	cfg, err := svc.SetActiveFlow("codex")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	for _, f := range cfg.Flows {
		if f.ID == "codex" && !f.Active {
			t.Error("target flow should be active")
		}
		if f.ID != "codex" && f.Active {
			t.Errorf("flow %s should be deactivated", f.ID)
		}
	}
	if cfg.Version == 0 {
		t.Error("activation is a write and must bump the version")
	}
}

func TestGetConfig_SnapshotCarriesModels(t *testing.T) {
	svc := newTestService(t)

	snap, err := svc.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if len(snap.Flows) != 3 {
		t.Errorf("snapshot flows = %d, want 3", len(snap.Flows))
	}
	// The registry is empty in this fixture, so no models are attached; the
	// call itself must still succeed.
	if snap.Models == nil {
		t.Error("snapshot models map must be non-nil")
	}
}

func TestSmartSwitch(t *testing.T) {
	svc := newTestService(t)

	if !svc.SmartSwitch() {
		t.Error("default policy should have smart switch on")
	}

	cfg := validConfig()
	cfg.AccountRouting.SmartSwitch = false
	if _, err := svc.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if svc.SmartSwitch() {
		t.Error("stored policy should be reported")
	}
}
