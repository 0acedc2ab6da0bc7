// Package provider defines the closed set of upstream AI providers and the
// operations the credential engine consumes from each of them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Name identifies one of the three supported upstream providers.
type Name string

const (
	Antigravity Name = "antigravity"
	Codex       Name = "codex"
	Copilot     Name = "copilot"
)

// All returns the supported provider names in canonical order.
func All() []Name {
	return []Name{Antigravity, Codex, Copilot}
}

// Parse normalizes and validates a provider name. Aliases used by clients
// ("github-copilot", "openai") map to the canonical names.
func Parse(s string) (Name, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "antigravity", "google":
		return Antigravity, nil
	case "codex", "openai":
		return Codex, nil
	case "copilot", "github-copilot":
		return Copilot, nil
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// Token is the credential set returned by a provider's token endpoint.
// IDToken is only set by providers whose identity lives in a separate JWT.
type Token struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// UserInfo is the display identity attached to a credential.
type UserInfo struct {
	Email string // email for OAuth providers, login for copilot
	Name  string
}

// Model is one entry of a provider's model catalog.
type Model struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

// AuthRequest is a prepared browser authorization attempt. Verifier carries
// the PKCE code verifier for providers that require one and must be passed
// back into ExchangeCode.
type AuthRequest struct {
	URL      string
	Verifier string
}

// DeviceAuthorization holds the codes returned by a device-flow provider.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Provider is implemented by each of the three upstream services. The
// session layer treats these calls as opaque protocol operations.
type Provider interface {
	Name() Name
	DisplayName() string

	// PreferredPort is the local callback port the provider's client
	// expects; zero means any ephemeral port works.
	PreferredPort() int

	// UsesDeviceFlow reports whether logins go through the device flow
	// instead of a browser redirect.
	UsesDeviceFlow() bool

	BeginAuth(state, redirectURI string) (*AuthRequest, error)
	ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*Token, error)
	FetchUserInfo(ctx context.Context, token *Token) (*UserInfo, error)
	// FetchProjectID returns the provider's project/workspace identifier
	// for the credential, or "" when the provider has none.
	FetchProjectID(ctx context.Context, token *Token) (string, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*Token, error)
	ListRemoteModels(ctx context.Context, accessToken string) ([]Model, error)
}

// DeviceAuthorizer is the additional capability of device-flow providers.
type DeviceAuthorizer interface {
	StartDevice(ctx context.Context) (*DeviceAuthorization, error)
	// PollDevice queries the upstream token endpoint once. It returns
	// ErrAuthorizationPending while the user has not finished, and
	// ErrSlowDown when the upstream asks for a longer interval.
	PollDevice(ctx context.Context, deviceCode string) (*Token, error)
}

// Sentinel results of a device-flow poll.
var (
	ErrAuthorizationPending = fmt.Errorf("authorization pending")
	ErrSlowDown             = fmt.Errorf("slow down")
)

// RateLimitError marks a quota/429-class upstream failure. The account
// router rotates away from accounts that produce it.
type RateLimitError struct {
	Provider   Name
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Registry holds the closed provider set and rejects anything outside it.
type Registry struct {
	byName map[Name]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[Name]Provider, len(providers))}
	for _, p := range providers {
		r.byName[p.Name()] = p
	}
	return r
}

// Get resolves a raw provider name to its implementation.
func (r *Registry) Get(name string) (Provider, error) {
	n, err := Parse(name)
	if err != nil {
		return nil, err
	}
	p, ok := r.byName[n]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", n)
	}
	return p, nil
}

// Names lists the configured providers in canonical order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.byName))
	for _, n := range All() {
		if _, ok := r.byName[n]; ok {
			names = append(names, n)
		}
	}
	return names
}
