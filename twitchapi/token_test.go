package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTokenServer(t *testing.T, calls *atomic.Int64, token func(n int64) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token(n),
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
}

func TestTokenSource_GetCached(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, func(int64) string { return "test-token-123" })
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", authURL: server.URL}
	ctx := context.Background()

	token1, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token1 != "test-token-123" {
		t.Errorf("Get() = %s, want test-token-123", token1)
	}

	token2, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token2 != token1 {
		t.Errorf("cached token = %s, want %s", token2, token1)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 exchange (cached), got %d", calls.Load())
	}
}

func TestTokenSource_RefreshInsideExpiryMargin(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, func(int64) string { return "fresh-token" })
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", authURL: server.URL}
	// Expiry within the 60s safety margin: must refresh ahead of use.
	ts.SetToken("stale-token", time.Now().Add(30*time.Second))

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "fresh-token" {
		t.Errorf("Get() = %s, want fresh-token (refreshed)", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 exchange, got %d", calls.Load())
	}
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with missing credentials should return error")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("Get() error = %T, want *AuthError", err)
	}
}

func TestTokenSource_ExchangeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "bad-client", ClientSecret: "bad-secret", authURL: server.URL}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with rejected exchange should return error")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("Get() error = %T, want *AuthError", err)
	}
}

func TestTokenSource_EmptyToken(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, func(int64) string { return "" })
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", authURL: server.URL}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with empty access_token should return error")
	}
}

func TestTokenSource_ConcurrentCallersSingleExchange(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond) // slow exchange to widen the race window
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "shared-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", authURL: server.URL}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Get(ctx)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			if tok != "shared-token" {
				t.Errorf("Get() = %s, want shared-token", tok)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 exchange for concurrent callers, got %d", calls.Load())
	}
}

func TestTokenSource_ForceRefresh(t *testing.T) {
	var calls atomic.Int64
	server := newTokenServer(t, &calls, func(n int64) string {
		if n == 1 {
			return "first"
		}
		return "second"
	})
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", authURL: server.URL}
	ctx := context.Background()

	if tok, _ := ts.Get(ctx); tok != "first" {
		t.Fatalf("Get() = %s, want first", tok)
	}
	tok, err := ts.ForceRefresh(ctx)
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if tok != "second" {
		t.Errorf("ForceRefresh() = %s, want second", tok)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 exchanges, got %d", calls.Load())
	}
}
