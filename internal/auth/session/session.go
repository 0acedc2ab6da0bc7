// Package session owns the in-flight authorization attempts. Each provider
// gets one Manager holding at most one active session; callbacks are
// correlated by an unpredictable state token and stale sessions can never
// complete once superseded.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
)

// TTL is the hard lifetime of an authorization attempt.
const TTL = 5 * time.Minute

// placeholderNamespace seeds deterministic project-id synthesis, so the same
// identity gets the same placeholder across repeated logins.
var placeholderNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// timeoutMessage formats the expiry error for a session that lived for ttl.
// Browser sessions always run on TTL; device sessions honor the upstream
// expires_in, which is often longer.
func timeoutMessage(ttl time.Duration) string {
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	if minutes <= 1 {
		return "Authentication timeout (1 minute)"
	}
	return fmt.Sprintf("Authentication timeout (%d minutes)", minutes)
}

// Status of a poll result.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// PollResult is the explicit outcome of one poll call; completion failures
// are reported here, never thrown across the session boundary.
type PollResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Descriptor is the client-facing view of a started session.
type Descriptor struct {
	State       string `json:"state"`
	AuthURL     string `json:"auth_url"`
	RedirectURI string `json:"redirect_uri"`
	ExpiresAt   int64  `json:"expires_at"`
}

type oauthSession struct {
	state       string
	authURL     string
	redirectURI string
	verifier    string
	expiresAt   time.Time
	listener    *CallbackListener
	payload     *CallbackPayload
}

// Manager runs the browser-OAuth state machine for one provider:
// IDLE → STARTED → (CALLBACK_RECEIVED | EXPIRED | CANCELLED) → terminal.
type Manager struct {
	provider provider.Provider
	store    *accounts.Store
	now      func() time.Time

	mu     sync.Mutex
	active *oauthSession
}

func NewManager(p provider.Provider, store *accounts.Store) *Manager {
	return &Manager{provider: p, store: store, now: time.Now}
}

// WithClock replaces the wall clock, for deterministic expiry tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// newState returns an unpredictable CSRF correlation token.
func newState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// redirectURIFor honors a per-provider env override, else derives the URI
// from the listener's bound port.
func redirectURIFor(p provider.Provider, port int) string {
	envKey := strings.ToUpper(string(p.Name())) + "_REDIRECT_URI"
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return fmt.Sprintf("http://localhost:%d/oauth-callback", port)
}

// Start begins a new authorization attempt, or returns the current one
// unchanged while it is still alive. Two concurrent authorization URLs are
// never issued for the same provider.
func (m *Manager) Start(ctx context.Context) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.now().Before(m.active.expiresAt) {
		return m.descriptorLocked(), nil
	}
	m.teardownLocked()

	listener, err := NewCallbackListener(m.provider.PreferredPort())
	if err != nil {
		return nil, err
	}

	state := newState()
	redirectURI := redirectURIFor(m.provider, listener.Port())
	authReq, err := m.provider.BeginAuth(state, redirectURI)
	if err != nil {
		listener.Close()
		return nil, err
	}

	sess := &oauthSession{
		state:       state,
		authURL:     authReq.URL,
		redirectURI: redirectURI,
		verifier:    authReq.Verifier,
		expiresAt:   m.now().Add(TTL),
		listener:    listener,
	}
	m.active = sess

	// The delivery goroutine is tied to this session by identity: once a
	// newer session replaces it, payloads are dropped on the floor. A
	// mismatched state token does not settle the session, so a forged
	// callback cannot consume the slot of the real one.
	go func() {
		for {
			select {
			case payload := <-listener.Payloads():
				if m.deliver(sess, payload) {
					return
				}
			case <-listener.Done():
				return
			}
		}
	}()

	log.Printf("🔐 Started %s OAuth session (state %s…)", m.provider.DisplayName(), state[:8])
	return m.descriptorLocked(), nil
}

func (m *Manager) descriptorLocked() *Descriptor {
	return &Descriptor{
		State:       m.active.state,
		AuthURL:     m.active.authURL,
		RedirectURI: m.active.redirectURI,
		ExpiresAt:   m.active.expiresAt.UnixMilli(),
	}
}

// deliver stores the callback payload on the session, but only while that
// session is still the active one. A payload carrying a state token that
// does not match the session is ignored entirely and the session stays
// pending. Returns true once delivery for this session is finished.
func (m *Manager) deliver(sess *oauthSession, payload CallbackPayload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != sess {
		log.Printf("🔐 Dropping callback for superseded %s session", m.provider.DisplayName())
		return true
	}
	if payload.Error == "" && payload.State != "" && payload.State != sess.state {
		log.Printf("🔐 Ignoring %s callback with mismatched state", m.provider.DisplayName())
		return false
	}
	sess.payload = &payload
	return true
}

// Poll reports the session's progress. When a callback has arrived, the
// completion protocol runs exactly once and the session is torn down
// regardless of outcome.
func (m *Manager) Poll(ctx context.Context, state string) PollResult {
	m.mu.Lock()

	if m.active == nil || m.active.state != state {
		m.mu.Unlock()
		return PollResult{
			Status:  StatusError,
			Message: fmt.Sprintf("No active %s OAuth session", m.provider.DisplayName()),
		}
	}
	if m.now().After(m.active.expiresAt) {
		m.teardownLocked()
		m.mu.Unlock()
		return PollResult{Status: StatusError, Message: timeoutMessage(TTL)}
	}
	if m.active.payload == nil {
		m.mu.Unlock()
		return PollResult{Status: StatusPending}
	}

	// Detach before the network calls: the session is terminal from here,
	// whatever the completion outcome.
	sess := m.active
	m.teardownLocked()
	m.mu.Unlock()

	email, err := completeAuth(ctx, m.provider, m.store, sess.state, sess.redirectURI, sess.verifier, *sess.payload)
	if err != nil {
		return PollResult{Status: StatusError, Message: err.Error()}
	}
	return PollResult{Status: StatusSuccess, Email: email}
}

// Cancel tears down the active session. A supplied state must match; a
// mismatch (or no active session) returns false and changes nothing.
func (m *Manager) Cancel(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return false
	}
	if state != "" && state != m.active.state {
		return false
	}
	m.teardownLocked()
	return true
}

// teardownLocked releases the callback listener and clears the slot.
func (m *Manager) teardownLocked() {
	if m.active == nil {
		return
	}
	m.active.listener.Close()
	m.active = nil
}

// completeAuth runs the shared completion protocol: validate the callback,
// exchange the code, resolve identity and workspace, persist the account.
// State is re-checked here even though delivery already filtered on it, as
// defense against tampered payloads.
func completeAuth(ctx context.Context, p provider.Provider, store *accounts.Store, state, redirectURI, verifier string, payload CallbackPayload) (string, error) {
	if payload.Error != "" {
		return "", errors.New(payload.Error)
	}
	if payload.Code == "" || payload.State == "" {
		return "", errors.New("Missing code or state in callback")
	}
	if payload.State != state {
		return "", errors.New("State mismatch - possible CSRF attack")
	}

	tok, err := p.ExchangeCode(ctx, payload.Code, redirectURI, verifier)
	if err != nil {
		return "", err
	}
	user, err := p.FetchUserInfo(ctx, tok)
	if err != nil {
		return "", err
	}

	accountID := strings.ToLower(strings.TrimSpace(user.Email))
	projectID, err := p.FetchProjectID(ctx, tok)
	if err != nil || projectID == "" {
		// A missing workspace never fails the login; synthesize a stable
		// placeholder from the account identity instead.
		projectID = SynthesizeProjectID(p.Name(), accountID)
	}

	acc := models.Account{
		ID:           accountID,
		Provider:     string(p.Name()),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
		Email:        user.Email,
		Label:        user.Name,
		ProjectID:    projectID,
	}
	if err := store.Add(acc); err != nil {
		return "", fmt.Errorf("failed to save account: %w", err)
	}

	log.Printf("✅ %s login complete for %s (project %s)", p.DisplayName(), user.Email, projectID)
	return user.Email, nil
}

// SynthesizeProjectID builds the deterministic placeholder workspace id used
// when a provider reports none. Stable per (provider, account id).
func SynthesizeProjectID(name provider.Name, accountID string) string {
	return uuid.NewSHA1(placeholderNamespace, []byte(string(name)+"/"+accountID)).String()
}
