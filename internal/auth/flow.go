// Package auth runs the local-callback OAuth2 authorization code flow that
// connects a user to the music provider.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"roomdj/internal/core"
)

// Scopes requested from the provider. Playlist scopes cover catalog sync,
// playback scopes cover the session playback surface.
var scopes = []string{
	"playlist-read-private",
	"playlist-modify-private",
	"playlist-modify-public",
	"user-read-playback-state",
	"user-modify-playback-state",
}

// Flow is a single-use authorization flow: a loopback HTTP server that
// receives the provider callback, exchanges the code and delivers exactly
// one credential. Failed attempts are recorded and the server keeps
// listening so the user can retry in the browser until the deadline.
type Flow struct {
	provider string
	timeout  time.Duration
	oauth    *oauth2.Config
	state    string
	logger   *zap.Logger

	// launchBrowser is swappable in tests.
	launchBrowser func(string) error

	listener net.Listener
	server   *http.Server

	result chan *oauth2.Token
	once   sync.Once

	mu          sync.Mutex
	lastFailure *core.AuthError
	done        bool
}

// NewFlow builds a flow for one user connection attempt. Flows are not
// reusable; build a fresh one per attempt.
func NewFlow(catalog core.CatalogConfig, cfg core.AuthConfig, logger *zap.Logger) (*Flow, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate state token: %w", err)
	}

	return &Flow{
		provider: catalog.Provider,
		timeout:  cfg.FlowTimeout,
		oauth: &oauth2.Config{
			ClientID:     catalog.ClientID,
			ClientSecret: catalog.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		state:         hex.EncodeToString(buf),
		logger:        logger.Named("auth"),
		launchBrowser: openBrowser,
		result:        make(chan *oauth2.Token, 1),
	}, nil
}

// Start binds the loopback listener on port (0 picks a free port), starts
// serving the callback endpoint and opens the browser at the authorization
// URL. Returns the URL so callers can print it as a fallback.
func (f *Flow) Start(ctx context.Context, port int) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "", fmt.Errorf("failed to bind callback listener: %w", err)
	}
	f.listener = listener
	f.oauth.RedirectURL = fmt.Sprintf("http://%s/callback", listener.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", f.handleCallback)
	mux.HandleFunc("/", f.handleStatus)

	f.server = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := f.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Warn("Callback server stopped", zap.Error(err))
		}
	}()

	authURL := f.oauth.AuthCodeURL(f.state, oauth2.AccessTypeOffline)
	f.logger.Info("Authorization flow started",
		zap.String("provider", f.provider),
		zap.String("callback", f.oauth.RedirectURL))

	if err := f.launchBrowser(authURL); err != nil {
		f.logger.Warn("Could not open browser, visit the URL manually", zap.Error(err))
	}

	return authURL, nil
}

// Wait blocks until a credential is delivered, the flow deadline elapses or
// ctx is cancelled. On timeout the last recorded callback failure is
// returned if any attempt reached the server, otherwise a plain timeout.
// The callback server is torn down before returning.
func (f *Flow) Wait(ctx context.Context) (*core.TokenCredential, error) {
	defer f.shutdown()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case token := <-f.result:
		f.logger.Info("Authorization complete", zap.String("provider", f.provider))
		return &core.TokenCredential{
			Provider:     f.provider,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			Expiry:       token.Expiry,
		}, nil

	case <-timer.C:
		if failure := f.failure(); failure != nil {
			return nil, failure
		}
		return nil, &core.AuthError{Reason: core.AuthTimeout}

	case <-ctx.Done():
		return nil, &core.AuthError{Reason: core.AuthTimeout, Err: ctx.Err()}
	}
}

// Run executes the whole flow: Start, then Wait.
func (f *Flow) Run(ctx context.Context, port int) (*core.TokenCredential, error) {
	if _, err := f.Start(ctx, port); err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// RedirectURL returns the callback URL after Start has bound the listener.
func (f *Flow) RedirectURL() string {
	return f.oauth.RedirectURL
}

func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	if f.finished() {
		writePage(w, http.StatusOK, "Already authorized", "This flow has already completed. You can close this window.")
		return
	}

	query := r.URL.Query()
	if state := query.Get("state"); state != f.state {
		f.recordFailure(&core.AuthError{Reason: core.AuthNoCode, Err: errors.New("state parameter mismatch")})
		writePage(w, http.StatusBadRequest, "Authorization failed", "The callback carried an unexpected state token. Try again from the original link.")
		return
	}

	code := query.Get("code")
	if code == "" {
		err := fmt.Errorf("provider error: %s", query.Get("error"))
		f.recordFailure(&core.AuthError{Reason: core.AuthNoCode, Err: err})
		writePage(w, http.StatusBadRequest, "Authorization failed", "No authorization code was returned. You can retry from the browser.")
		return
	}

	token, err := f.oauth.Exchange(r.Context(), code)
	if err != nil {
		f.recordFailure(classifyExchangeError(err))
		writePage(w, http.StatusBadRequest, "Authorization failed", "The code could not be exchanged for tokens. You can retry from the browser.")
		return
	}

	f.deliver(token)
	writePage(w, http.StatusOK, "Authorization successful", "You can close this window and return to the terminal.")
}

func (f *Flow) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writePage(w, http.StatusOK, "Waiting for authorization", "Complete the provider login in the other tab.")
}

// deliver hands the token to Wait exactly once. Extra successful callbacks
// after the first are ignored.
func (f *Flow) deliver(token *oauth2.Token) {
	f.once.Do(func() {
		f.mu.Lock()
		f.done = true
		f.mu.Unlock()
		f.result <- token
	})
}

func (f *Flow) recordFailure(failure *core.AuthError) {
	f.mu.Lock()
	f.lastFailure = failure
	f.mu.Unlock()
	f.logger.Warn("Authorization attempt failed",
		zap.String("reason", string(failure.Reason)),
		zap.Error(failure.Err))
}

func (f *Flow) failure() *core.AuthError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFailure
}

func (f *Flow) finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *Flow) shutdown() {
	if f.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.server.Shutdown(ctx); err != nil {
		f.server.Close()
	}
}

// classifyExchangeError separates a token endpoint rejection from a
// transport failure reaching it.
func classifyExchangeError(err error) *core.AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &core.AuthError{Reason: core.AuthExchangeRejected, Err: err}
	}
	return &core.AuthError{Reason: core.AuthExchangeNetworkError, Err: err}
}

func writePage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4rem;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, title, title, detail)
}
