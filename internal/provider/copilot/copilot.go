// Package copilot implements the GitHub Copilot device-flow provider. There
// is no browser redirect: the user enters a code on github.com and we poll
// the token endpoint until the grant completes, then trade the GitHub token
// for a Copilot API token.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pysugar/oauth-ai-gateway/internal/provider"
)

const (
	// ClientID is the Copilot chat client used for the device grant.
	ClientID = "Iv1.b507a08c87ecfe98"

	deviceCodeURL  = "https://github.com/login/device/code"
	accessTokenURL = "https://github.com/login/oauth/access_token"
	copilotToken   = "https://api.github.com/copilot_internal/v2/token"
	githubUserURL  = "https://api.github.com/user"
	modelsURL      = "https://api.githubcopilot.com/models"

	userAgent = "GitHubCopilotChat/0.26.7"
)

// Provider implements provider.Provider plus provider.DeviceAuthorizer.
type Provider struct {
	httpClient *http.Client
}

func New() *Provider {
	return &Provider{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (p *Provider) Name() provider.Name  { return provider.Copilot }
func (p *Provider) DisplayName() string  { return "Copilot" }
func (p *Provider) PreferredPort() int   { return 0 }
func (p *Provider) UsesDeviceFlow() bool { return true }

func clientID() string {
	if v := strings.TrimSpace(os.Getenv("COPILOT_CLIENT_ID")); v != "" {
		return v
	}
	return ClientID
}

func (p *Provider) postJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %s: %s", url, resp.Status, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StartDevice requests a fresh device/user code pair from GitHub.
func (p *Provider) StartDevice(ctx context.Context) (*provider.DeviceAuthorization, error) {
	var out provider.DeviceAuthorization
	payload := map[string]string{"client_id": clientID(), "scope": "read:user"}
	if err := p.postJSON(ctx, deviceCodeURL, payload, &out); err != nil {
		return nil, fmt.Errorf("failed to start device flow: %w", err)
	}
	if out.DeviceCode == "" || out.UserCode == "" {
		return nil, fmt.Errorf("device code response was incomplete")
	}
	if out.Interval <= 0 {
		out.Interval = 5
	}
	return &out, nil
}

// PollDevice queries the device-token endpoint once.
func (p *Provider) PollDevice(ctx context.Context, deviceCode string) (*provider.Token, error) {
	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	payload := map[string]string{
		"client_id":   clientID(),
		"device_code": deviceCode,
		"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
	}
	if err := p.postJSON(ctx, accessTokenURL, payload, &out); err != nil {
		return nil, fmt.Errorf("device token request failed: %w", err)
	}

	switch out.Error {
	case "":
	case "authorization_pending":
		return nil, provider.ErrAuthorizationPending
	case "slow_down":
		return nil, provider.ErrSlowDown
	case "expired_token":
		return nil, fmt.Errorf("device code expired")
	case "access_denied":
		return nil, fmt.Errorf("authorization was denied")
	default:
		if out.ErrorDesc != "" {
			return nil, fmt.Errorf("%s: %s", out.Error, out.ErrorDesc)
		}
		return nil, fmt.Errorf("device flow failed: %s", out.Error)
	}
	if out.AccessToken == "" {
		return nil, provider.ErrAuthorizationPending
	}

	// The GitHub OAuth token is long-lived; keep it as the refresh token and
	// exchange it for the short-lived Copilot API token.
	apiToken, expiresAt, err := p.fetchCopilotToken(ctx, out.AccessToken)
	if err != nil {
		return nil, err
	}
	return &provider.Token{
		AccessToken:  apiToken,
		RefreshToken: out.AccessToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// fetchCopilotToken trades a GitHub OAuth token for a Copilot API token.
func (p *Provider) fetchCopilotToken(ctx context.Context, githubToken string) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotToken, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("copilot token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("copilot token endpoint returned %s: %s", resp.Status, string(raw))
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse copilot token: %w", err)
	}
	if out.Token == "" {
		return "", time.Time{}, fmt.Errorf("copilot token response was empty")
	}
	return out.Token, time.Unix(out.ExpiresAt, 0), nil
}

// BeginAuth is not supported: copilot logins go through the device flow.
func (p *Provider) BeginAuth(state, redirectURI string) (*provider.AuthRequest, error) {
	return nil, fmt.Errorf("copilot uses the device flow, not a browser redirect")
}

// ExchangeCode is not supported for the same reason as BeginAuth.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*provider.Token, error) {
	return nil, fmt.Errorf("copilot uses the device flow, not a browser redirect")
}

// FetchUserInfo resolves the GitHub login behind the stored OAuth token.
func (p *Provider) FetchUserInfo(ctx context.Context, token *provider.Token) (*provider.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubUserURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+token.RefreshToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get github user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github user request failed: %s", resp.Status)
	}

	var user struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode github user: %w", err)
	}
	if user.Login == "" {
		return nil, fmt.Errorf("github user response carried no login")
	}
	return &provider.UserInfo{Email: user.Login, Name: user.Name}, nil
}

// FetchProjectID: Copilot has no workspace identifier.
func (p *Provider) FetchProjectID(ctx context.Context, token *provider.Token) (string, error) {
	return "", nil
}

// RefreshAccessToken re-exchanges the stored GitHub token for a fresh
// Copilot API token.
func (p *Provider) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	apiToken, expiresAt, err := p.fetchCopilotToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return &provider.Token{
		AccessToken:  apiToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// ListRemoteModels fetches the Copilot model catalog.
func (p *Provider) ListRemoteModels(ctx context.Context, accessToken string) ([]provider.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Editor-Version", "vscode/1.95.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("copilot models request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.RateLimitError{Provider: provider.Copilot}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("copilot models endpoint returned %s: %s", resp.Status, string(raw))
	}

	var out struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse copilot models: %w", err)
	}

	models := make([]provider.Model, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, provider.Model{ID: m.ID, Label: m.Name})
	}
	return models, nil
}
