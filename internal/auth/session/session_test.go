package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/db/models"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
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

// fakeProvider is a browser-flow provider whose protocol operations are
// canned. Exchange and identity failures are injectable.
type fakeProvider struct {
	exchangeErr error
	userinfoErr error
	email       string
	projectID   string
}

func (f *fakeProvider) Name() provider.Name  { return provider.Codex }
func (f *fakeProvider) DisplayName() string  { return "Codex" }
func (f *fakeProvider) PreferredPort() int   { return 0 }
func (f *fakeProvider) UsesDeviceFlow() bool { return false }

func (f *fakeProvider) BeginAuth(state, redirectURI string) (*provider.AuthRequest, error) {
	return &provider.AuthRequest{
		URL:      "https://auth.example.com/authorize?state=" + state,
		Verifier: "verifier",
	}, nil
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*provider.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &provider.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeProvider) FetchUserInfo(ctx context.Context, tok *provider.Token) (*provider.UserInfo, error) {
	if f.userinfoErr != nil {
		return nil, f.userinfoErr
	}
	email := f.email
	if email == "" {
		email = "User@Example.com"
	}
	return &provider.UserInfo{Email: email, Name: "Test User"}, nil
}

func (f *fakeProvider) FetchProjectID(ctx context.Context, tok *provider.Token) (string, error) {
	return f.projectID, nil
}

func (f *fakeProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	return &provider.Token{AccessToken: "refreshed", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeProvider) ListRemoteModels(ctx context.Context, accessToken string) ([]provider.Model, error) {
	return nil, nil
}

// sendCallback hits the session's live callback listener like a browser
// redirect would.
func sendCallback(t *testing.T, desc *Descriptor, params url.Values) {
	t.Helper()
	resp, err := http.Get(desc.RedirectURI + "?" + params.Encode())
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
}

// pollUntilSettled polls until the session leaves pending or the deadline
// hits, absorbing the asynchronous payload delivery.
func pollUntilSettled(t *testing.T, m *Manager, state string) PollResult {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		res := m.Poll(context.Background(), state)
		if res.Status != StatusPending {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never settled")
	return PollResult{}
}

func TestManagerStart_Idempotent(t *testing.T) {
	m := NewManager(&fakeProvider{}, newTestStore(t))
	defer m.Cancel("")

	d1, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	d2, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if d1.State != d2.State || d1.AuthURL != d2.AuthURL {
		t.Errorf("restart before expiry must return the same session, got %q vs %q", d1.State, d2.State)
	}
}

func TestManagerStart_NewSessionAfterExpiry(t *testing.T) {
	now := time.Now()
	m := NewManager(&fakeProvider{}, newTestStore(t)).WithClock(func() time.Time { return now })
	defer m.Cancel("")

	d1, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	now = now.Add(TTL + time.Second)
	d2, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if d1.State == d2.State {
		t.Error("expired session must be superseded by a fresh state token")
	}
}

func TestManagerPoll_UnknownState(t *testing.T) {
	m := NewManager(&fakeProvider{}, newTestStore(t))

	res := m.Poll(context.Background(), "nope")
	if res.Status != StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if res.Message != "No active Codex OAuth session" {
		t.Errorf("message = %q", res.Message)
	}
}

func TestManagerPoll_TimeoutThenNoActiveSession(t *testing.T) {
	now := time.Now()
	m := NewManager(&fakeProvider{}, newTestStore(t)).WithClock(func() time.Time { return now })

	d, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	now = now.Add(TTL + time.Second)
	res := m.Poll(context.Background(), d.State)
	if res.Status != StatusError || res.Message != "Authentication timeout (5 minutes)" {
		t.Fatalf("first poll after expiry = %+v", res)
	}

	res = m.Poll(context.Background(), d.State)
	if res.Status != StatusError || res.Message != "No active Codex OAuth session" {
		t.Errorf("second poll = %+v, want no-active-session", res)
	}
}

func TestManagerPoll_SuccessfulCompletion(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(&fakeProvider{}, store)

	d, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sendCallback(t, d, url.Values{"code": {"c123"}, "state": {d.State}})
	res := pollUntilSettled(t, m, d.State)
	if res.Status != StatusSuccess {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Email != "User@Example.com" {
		t.Errorf("email = %q", res.Email)
	}

	// The account is keyed by the lowercased email.
	acc, err := store.Get("codex", "user@example.com")
	if err != nil {
		t.Fatalf("account not persisted: %v", err)
	}
	if acc.AccessToken != "access-c123" {
		t.Errorf("access token = %q", acc.AccessToken)
	}
	if acc.ProjectID != SynthesizeProjectID(provider.Codex, "user@example.com") {
		t.Errorf("missing upstream project must synthesize deterministic placeholder, got %q", acc.ProjectID)
	}

	// The session is terminal after completion.
	res = m.Poll(context.Background(), d.State)
	if res.Message != "No active Codex OAuth session" {
		t.Errorf("post-completion poll = %+v", res)
	}
}

func TestManagerPoll_MismatchedCallbackIgnored(t *testing.T) {
	m := NewManager(&fakeProvider{}, newTestStore(t))
	defer m.Cancel("")

	d, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sendCallback(t, d, url.Values{"code": {"forged"}, "state": {"wrong-state"}})

	// The forged payload must not settle the session.
	time.Sleep(100 * time.Millisecond)
	res := m.Poll(context.Background(), d.State)
	if res.Status != StatusPending {
		t.Fatalf("poll after forged callback = %+v, want pending", res)
	}

	// The genuine callback still completes it.
	sendCallback(t, d, url.Values{"code": {"real"}, "state": {d.State}})
	res = pollUntilSettled(t, m, d.State)
	if res.Status != StatusSuccess {
		t.Errorf("result = %+v, want success", res)
	}
}

func TestManagerPoll_MissingCodeOrState(t *testing.T) {
	m := NewManager(&fakeProvider{}, newTestStore(t))

	d, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sendCallback(t, d, url.Values{"state": {d.State}})
	res := pollUntilSettled(t, m, d.State)
	if res.Status != StatusError || res.Message != "Missing code or state in callback" {
		t.Errorf("result = %+v", res)
	}
}

func TestManagerPoll_ProviderDeniedError(t *testing.T) {
	m := NewManager(&fakeProvider{}, newTestStore(t))

	d, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sendCallback(t, d, url.Values{"error": {"access_denied"}})
	res := pollUntilSettled(t, m, d.State)
	if res.Status != StatusError || res.Message != "access_denied" {
		t.Errorf("result = %+v", res)
	}
}

func TestManagerPoll_ExchangeFailureIsTerminal(t *testing.T) {
	m := NewManager(&fakeProvider{exchangeErr: errors.New("upstream rejected the code")}, newTestStore(t))

	d, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sendCallback(t, d, url.Values{"code": {"c"}, "state": {d.State}})
	res := pollUntilSettled(t, m, d.State)
	if res.Status != StatusError || res.Message != "upstream rejected the code" {
		t.Fatalf("result = %+v", res)
	}

	// Completion runs exactly once; the session cannot be re-polled into a
	// different outcome.
	res = m.Poll(context.Background(), d.State)
	if res.Message != "No active Codex OAuth session" {
		t.Errorf("poll after failure = %+v", res)
	}
}

func TestManagerCancel(t *testing.T) {
	m := NewManager(&fakeProvider{}, newTestStore(t))

	if m.Cancel("") {
		t.Error("cancelling with no active session must return false")
	}

	d, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if m.Cancel("wrong-state") {
		t.Error("cancelling with a mismatched state must return false")
	}
	res := m.Poll(context.Background(), d.State)
	if res.Status != StatusPending {
		t.Errorf("failed cancel must leave the session active, poll = %+v", res)
	}

	if !m.Cancel(d.State) {
		t.Error("cancelling with the matching state must return true")
	}
	res = m.Poll(context.Background(), d.State)
	if res.Message != "No active Codex OAuth session" {
		t.Errorf("poll after cancel = %+v", res)
	}
}

func TestCompleteAuth_StateMismatchDefense(t *testing.T) {
	_, err := completeAuth(context.Background(), &fakeProvider{}, newTestStore(t),
		"expected", "http://localhost/oauth-callback", "",
		CallbackPayload{Code: "c", State: "tampered"})
	if err == nil || err.Error() != "State mismatch - possible CSRF attack" {
		t.Errorf("err = %v", err)
	}
}

func TestSynthesizeProjectID_Deterministic(t *testing.T) {
	a := SynthesizeProjectID(provider.Codex, "user@example.com")
	b := SynthesizeProjectID(provider.Codex, "user@example.com")
	if a != b {
		t.Errorf("placeholder must be stable across logins: %s vs %s", a, b)
	}
	if a == SynthesizeProjectID(provider.Antigravity, "user@example.com") {
		t.Error("placeholder must differ across providers")
	}
	if a == SynthesizeProjectID(provider.Codex, "other@example.com") {
		t.Error("placeholder must differ across accounts")
	}
}
