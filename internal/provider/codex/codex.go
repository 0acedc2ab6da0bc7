// Package codex implements the OpenAI-style browser OAuth provider used by
// the Codex CLI (authorization code + PKCE, JWT identity claims).
package codex

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pysugar/oauth-ai-gateway/internal/provider"
)

const (
	// ClientID is the Codex CLI OAuth client.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	// CallbackPort is the local port the Codex CLI registers for callbacks.
	CallbackPort = 1455

	authorizeURL = "https://auth.openai.com/oauth/authorize"
	tokenURL     = "https://auth.openai.com/oauth/token"
)

// Scopes requested during login.
var Scopes = []string{"openid", "profile", "email", "offline_access"}

// Provider implements provider.Provider for the Codex flow.
type Provider struct {
	httpClient *http.Client
}

func New() *Provider {
	return &Provider{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (p *Provider) Name() provider.Name  { return provider.Codex }
func (p *Provider) DisplayName() string  { return "Codex" }
func (p *Provider) PreferredPort() int   { return CallbackPort }
func (p *Provider) UsesDeviceFlow() bool { return false }

func clientID() string {
	if v := strings.TrimSpace(os.Getenv("CODEX_CLIENT_ID")); v != "" {
		return v
	}
	return ClientID
}

// randomURLSafe returns n random bytes, base64url-encoded without padding.
func randomURLSafe(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func pkceS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (p *Provider) BeginAuth(state, redirectURI string) (*provider.AuthRequest, error) {
	verifier := randomURLSafe(32)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID())
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", pkceS256(verifier))
	q.Set("code_challenge_method", "S256")
	q.Set("id_token_add_organizations", "true")

	return &provider.AuthRequest{
		URL:      authorizeURL + "?" + q.Encode(),
		Verifier: verifier,
	}, nil
}

// tokenResponse is the shape of auth.openai.com token replies.
type tokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (p *Provider) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s: %s", resp.Status, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response contained no access_token")
	}
	return &tr, nil
}

func (tr *tokenResponse) toToken() *provider.Token {
	tok := &provider.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else if claims, err := ParseJWT(tr.AccessToken); err == nil && claims.Exp > 0 {
		tok.ExpiresAt = time.Unix(claims.Exp, 0)
	}
	return tok
}

func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*provider.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID())
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", verifier)

	tr, err := p.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	return tr.toToken(), nil
}

// identityClaims parses the JWT that carries the identity: the ID token when
// present, otherwise the access token itself.
func identityClaims(token *provider.Token) (*JWTClaims, error) {
	raw := token.IDToken
	if raw == "" {
		raw = token.AccessToken
	}
	return ParseJWT(raw)
}

// FetchUserInfo extracts the identity from the JWT claims rather than hitting
// a userinfo endpoint; the ID token carries email and account id.
func (p *Provider) FetchUserInfo(ctx context.Context, token *provider.Token) (*provider.UserInfo, error) {
	claims, err := identityClaims(token)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity token: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("identity token carried no email")
	}
	return &provider.UserInfo{Email: claims.Email}, nil
}

// FetchProjectID returns the ChatGPT account id, the Codex analog of a
// workspace identifier.
func (p *Provider) FetchProjectID(ctx context.Context, token *provider.Token) (string, error) {
	claims, err := identityClaims(token)
	if err != nil {
		return "", nil
	}
	return claims.AuthInfo.ChatgptAccountID, nil
}

func (p *Provider) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID())
	form.Set("scope", strings.Join(Scopes, " "))

	tr, err := p.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	tok := tr.toToken()
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// ListRemoteModels: the Codex backend exposes no model-list endpoint the CLI
// client may call, so the dynamic list is always empty and the catalog falls
// back to the static baseline.
func (p *Provider) ListRemoteModels(ctx context.Context, accessToken string) ([]provider.Model, error) {
	return nil, nil
}
