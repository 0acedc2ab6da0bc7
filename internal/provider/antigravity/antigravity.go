// Package antigravity implements the Google-style browser OAuth provider
// used by the Antigravity IDE family.
package antigravity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
)

// OAuth credentials from Antigravity (for learning/research purposes).
// Environment variables override the built-in defaults.
const (
	DefaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultClientSecret = "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"

	// CallbackPort is the local callback port the Antigravity IDE registers.
	CallbackPort = 51121

	userInfoURL       = "https://www.googleapis.com/oauth2/v2/userinfo"
	loadCodeAssistURL = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"
	listModelsURL     = "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"
)

// Scopes required for the internal Gemini API surface.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// Provider implements provider.Provider for the Antigravity flow.
type Provider struct {
	httpClient *http.Client
}

func New() *Provider {
	return &Provider{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (p *Provider) Name() provider.Name  { return provider.Antigravity }
func (p *Provider) DisplayName() string  { return "Antigravity" }
func (p *Provider) PreferredPort() int   { return CallbackPort }
func (p *Provider) UsesDeviceFlow() bool { return false }

// oauthConfig builds the x/oauth2 config, honoring env overrides.
func oauthConfig(redirectURL string) *oauth2.Config {
	clientID := os.Getenv("ANTIGRAVITY_CLIENT_ID")
	if clientID == "" {
		clientID = DefaultClientID
	}
	clientSecret := os.Getenv("ANTIGRAVITY_CLIENT_SECRET")
	if clientSecret == "" {
		clientSecret = DefaultClientSecret
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     googleOAuth.Endpoint,
	}
}

func (p *Provider) BeginAuth(state, redirectURI string) (*provider.AuthRequest, error) {
	cfg := oauthConfig(redirectURI)
	url := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return &provider.AuthRequest{URL: url}, nil
}

func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*provider.Token, error) {
	cfg := oauthConfig(redirectURI)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return &provider.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (p *Provider) FetchUserInfo(ctx context.Context, token *provider.Token) (*provider.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	var userInfo struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &provider.UserInfo{Email: userInfo.Email, Name: userInfo.Name}, nil
}

// FetchProjectID calls loadCodeAssist for the cloudaicompanion project.
// Returns "" when the upstream omits one; the session layer synthesizes a
// deterministic placeholder in that case.
func (p *Provider) FetchProjectID(ctx context.Context, token *provider.Token) (string, error) {
	reqBody := strings.NewReader(`{"metadata": {"ideType": "ANTIGRAVITY"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loadCodeAssistURL, reqBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "antigravity/1.11.9 windows/amd64")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("loadCodeAssist request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read loadCodeAssist response: %w", err)
	}

	var result struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
		Config                  struct {
			ProjectID string `json:"projectId"`
		} `json:"codeAssistConfig"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse loadCodeAssist response: %w", err)
	}

	if result.CloudaicompanionProject != "" {
		return result.CloudaicompanionProject, nil
	}
	return result.Config.ProjectID, nil
}

func (p *Provider) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	cfg := oauthConfig("")
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}
	refreshed := &provider.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	// Preserve the original refresh token unless the upstream rotated it.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	return refreshed, nil
}

// ListRemoteModels fetches the dynamic model list from fetchAvailableModels.
func (p *Provider) ListRemoteModels(ctx context.Context, accessToken string) ([]provider.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, listModelsURL, strings.NewReader(`{}`))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "antigravity/1.11.9 windows/amd64")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetchAvailableModels request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.RateLimitError{Provider: provider.Antigravity}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetchAvailableModels failed: %s: %s", resp.Status, string(body))
	}

	var result struct {
		Models []struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}

	models := make([]provider.Model, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, provider.Model{ID: m.Name, Label: m.DisplayName})
	}
	log.Printf("📋 Antigravity reported %d models", len(models))
	return models, nil
}
