package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
	"github.com/skratchdot/open-golang/open"
)

// Login is the synchronous, headless-friendly variant of the browser flow:
// it binds a transient listener, optionally opens the browser, and races the
// callback against the session TTL. The listener is released on every exit
// path.
func Login(ctx context.Context, p provider.Provider, store *accounts.Store, openBrowser bool) (string, error) {
	listener, err := NewCallbackListener(p.PreferredPort())
	if err != nil {
		return "", err
	}
	defer listener.Close()

	state := newState()
	redirectURI := redirectURIFor(p, listener.Port())
	authReq, err := p.BeginAuth(state, redirectURI)
	if err != nil {
		return "", err
	}

	if openBrowser {
		if err := open.Run(authReq.URL); err != nil {
			log.Printf("⚠️ Could not open browser: %v", err)
			openBrowser = false
		}
	}
	if !openBrowser {
		fmt.Printf("Open the following URL to sign in to %s:\n\n  %s\n\n", p.DisplayName(), authReq.URL)
	}

	// One cancellation token covers both the timer and the wait, so the
	// deferred Close runs exactly once whichever branch wins.
	ctx, cancel := context.WithTimeout(ctx, TTL)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", errors.New(timeoutMessage(TTL))
			}
			return "", ctx.Err()
		case payload := <-listener.Payloads():
			if payload.Error == "" && payload.State != "" && payload.State != state {
				log.Printf("⚠️ Ignoring %s callback with mismatched state", p.DisplayName())
				continue
			}
			return completeAuth(ctx, p, store, state, redirectURI, authReq.Verifier, payload)
		}
	}
}
