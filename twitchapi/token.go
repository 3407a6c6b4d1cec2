package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/stream-herald/telemetry"
)

const defaultAuthURL = "https://id.twitch.tv/oauth2/token"

// expiryMargin is how close to expiry a cached token may get before it is
// refreshed ahead of use.
const expiryMargin = 60 * time.Second

// AuthError reports a failed client-credential exchange (bad app id/secret,
// network failure). It is fatal for the batches of the current cycle that
// still need a token; the next cycle retries.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "twitch credential exchange: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// The token never leaves this type except as an opaque bearer value.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	// authURL overrides the token endpoint in tests.
	authURL string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid (fresh or cached) app access token. Concurrent callers
// during a refresh wait for its result rather than starting their own.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > expiryMargin {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// ForceRefresh drops the cached token and performs a fresh exchange. Used when
// the API answers 401 despite a token we believed valid (e.g. app secret rotated).
func (ts *TokenSource) ForceRefresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
	return ts.refresh(ctx)
}

// SetToken seeds the cache directly. Test hook.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.token = token
	ts.expiresAt = expiresAt
	ts.mu.Unlock()
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if ts.token != "" && time.Until(ts.expiresAt) > expiryMargin {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", &AuthError{Err: errors.New("missing client id/secret for twitch app token")}
	}
	authURL := ts.authURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	cc := &clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     authURL,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Err: errors.New("empty access_token in twitch response")}
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	telemetry.IncTokenRefresh()
	return ts.token, nil
}
