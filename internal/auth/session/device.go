package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
)

// DevicePollResult is the explicit outcome of one device-session poll.
type DevicePollResult struct {
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Account *models.Summary `json:"account,omitempty"`
}

type deviceSession struct {
	auth      *provider.DeviceAuthorization
	ttl       time.Duration
	expiresAt time.Time
}

// DeviceManager runs the device-flow state machine for a provider whose
// logins never touch a local callback listener: the poll operation queries
// the upstream token endpoint directly.
type DeviceManager struct {
	provider   provider.Provider
	authorizer provider.DeviceAuthorizer
	store      *accounts.Store
	now        func() time.Time

	mu     sync.Mutex
	active *deviceSession
}

// NewDeviceManager wires a device-flow provider. The provider must implement
// provider.DeviceAuthorizer.
func NewDeviceManager(p provider.Provider, store *accounts.Store) (*DeviceManager, error) {
	authorizer, ok := p.(provider.DeviceAuthorizer)
	if !ok {
		return nil, fmt.Errorf("provider %s does not support the device flow", p.Name())
	}
	return &DeviceManager{
		provider:   p,
		authorizer: authorizer,
		store:      store,
		now:        time.Now,
	}, nil
}

// WithClock replaces the wall clock, for deterministic expiry tests.
func (m *DeviceManager) WithClock(now func() time.Time) *DeviceManager {
	m.now = now
	return m
}

// Start requests device/user codes, or returns the live session's codes
// unchanged (idempotent restart protection, same as the browser flow).
func (m *DeviceManager) Start(ctx context.Context) (*provider.DeviceAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.now().Before(m.active.expiresAt) {
		return m.active.auth, nil
	}
	m.active = nil

	auth, err := m.authorizer.StartDevice(ctx)
	if err != nil {
		return nil, err
	}

	ttl := TTL
	if auth.ExpiresIn > 0 {
		ttl = time.Duration(auth.ExpiresIn) * time.Second
	}
	m.active = &deviceSession{auth: auth, ttl: ttl, expiresAt: m.now().Add(ttl)}

	log.Printf("🔐 Started %s device flow (code %s)", m.provider.DisplayName(), auth.UserCode)
	return auth, nil
}

// Poll queries the upstream device-token endpoint once. Pending keeps the
// session alive; success or a terminal error tears it down.
func (m *DeviceManager) Poll(ctx context.Context, deviceCode string) DevicePollResult {
	m.mu.Lock()
	if m.active == nil || m.active.auth.DeviceCode != deviceCode {
		m.mu.Unlock()
		return DevicePollResult{
			Status:  StatusError,
			Message: fmt.Sprintf("No active %s device session", m.provider.DisplayName()),
		}
	}
	if m.now().After(m.active.expiresAt) {
		ttl := m.active.ttl
		m.active = nil
		m.mu.Unlock()
		return DevicePollResult{Status: StatusError, Message: timeoutMessage(ttl)}
	}
	m.mu.Unlock()

	tok, err := m.authorizer.PollDevice(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, provider.ErrAuthorizationPending) || errors.Is(err, provider.ErrSlowDown) {
			return DevicePollResult{Status: StatusPending}
		}
		m.teardown(deviceCode)
		return DevicePollResult{Status: StatusError, Message: err.Error()}
	}

	m.teardown(deviceCode)

	acc, err := m.persist(ctx, tok)
	if err != nil {
		return DevicePollResult{Status: StatusError, Message: err.Error()}
	}
	summary := acc.Summarize()
	return DevicePollResult{Status: StatusSuccess, Account: &summary}
}

// Cancel tears down the active device session; a supplied device code must
// match.
func (m *DeviceManager) Cancel(deviceCode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false
	}
	if deviceCode != "" && deviceCode != m.active.auth.DeviceCode {
		return false
	}
	m.active = nil
	return true
}

func (m *DeviceManager) teardown(deviceCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.auth.DeviceCode == deviceCode {
		m.active = nil
	}
}

func (m *DeviceManager) persist(ctx context.Context, tok *provider.Token) (*models.Account, error) {
	user, err := m.provider.FetchUserInfo(ctx, tok)
	if err != nil {
		return nil, err
	}

	accountID := strings.ToLower(strings.TrimSpace(user.Email))
	projectID, err := m.provider.FetchProjectID(ctx, tok)
	if err != nil || projectID == "" {
		projectID = SynthesizeProjectID(m.provider.Name(), accountID)
	}

	acc := models.Account{
		ID:           accountID,
		Provider:     string(m.provider.Name()),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
		Email:        user.Email,
		Label:        user.Name,
		ProjectID:    projectID,
	}
	if err := m.store.Add(acc); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}

	log.Printf("✅ %s device login complete for %s", m.provider.DisplayName(), user.Email)
	return &acc, nil
}
