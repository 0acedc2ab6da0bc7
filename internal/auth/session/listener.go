package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackPayload is the raw query content of one inbound OAuth callback.
type CallbackPayload struct {
	Code  string
	State string
	Error string
}

// CallbackListener is a temporary HTTP server that receives OAuth callbacks
// for one session. It binds the provider's preferred port when free,
// otherwise an ephemeral one. More than one callback can arrive (a forged or
// stale redirect does not consume the session's slot); the consumer decides
// which payload settles the session.
type CallbackListener struct {
	srv      *http.Server
	port     int
	payloads chan CallbackPayload
	done     chan struct{}

	closeOnce sync.Once
}

// NewCallbackListener binds the listener. preferredPort zero means any
// ephemeral port.
func NewCallbackListener(preferredPort int) (*CallbackListener, error) {
	var ln net.Listener
	var err error
	if preferredPort > 0 {
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort))
		if err != nil {
			log.Printf("[OAuth] Port %d in use, using random port", preferredPort)
		}
	}
	if ln == nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start callback server: %w", err)
		}
	}

	l := &CallbackListener{
		port:     ln.Addr().(*net.TCPAddr).Port,
		payloads: make(chan CallbackPayload, 4),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", l.handleCallback)
	mux.HandleFunc("/auth/callback", l.handleCallback)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[OAuth] Callback server error: %v", err)
		}
	}()
	log.Printf("[OAuth] Callback server listening on port %d", l.port)

	return l, nil
}

func (l *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payload := CallbackPayload{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	}
	// Buffered channel; excess payloads are dropped rather than blocking
	// the handler.
	select {
	case l.payloads <- payload:
	default:
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if payload.Error != "" {
		fmt.Fprint(w, callbackPage("Login Failed", "Authorization was not granted. You can close this window."))
		return
	}
	fmt.Fprint(w, callbackPage("Login Successful", "You can close this window and return to the application."))
}

// Port is the bound TCP port.
func (l *CallbackListener) Port() int { return l.port }

// Payloads delivers inbound callback payloads.
func (l *CallbackListener) Payloads() <-chan CallbackPayload { return l.payloads }

// Done is closed when the listener shuts down, releasing any consumer still
// waiting for a payload.
func (l *CallbackListener) Done() <-chan struct{} { return l.done }

// Close shuts the server down. Safe to call from any exit path, any number
// of times.
func (l *CallbackListener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			log.Printf("[OAuth] Error shutting down callback server: %v", err)
		}
	})
}

func callbackPage(title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>%s</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		h1 { color: #4ade80; }
	</style>
</head>
<body>
	<h1>%s</h1>
	<p>%s</p>
</body>
</html>`, title, title, body)
}
