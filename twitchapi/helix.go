// Package twitchapi contains the helpers the poller needs to talk to Twitch:
// the app access token source and minimal Helix calls for live-status lookups
// and login validation.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// MaxLoginsPerRequest is the upstream cap on user_login params for a single
// /streams or /users lookup.
const MaxLoginsPerRequest = 100

// RequestError reports a failed Helix request. A failed batch keeps its prior
// reconciler state; it never fabricates a live/offline signal.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string { return "twitch api " + e.Op + ": " + e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// Stream is one entry of a /streams response: a channel currently live.
type Stream struct {
	UserLogin    string
	UserName     string
	Title        string
	GameName     string
	StartedAt    time.Time
	ThumbnailURL string
}

// User is one entry of a /users response, used to validate and canonicalize
// logins at subscribe time.
type User struct {
	ID          string
	Login       string
	DisplayName string
}

// HelixClient provides the two Helix operations the poller consumes.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client

	// baseURL overrides the Helix endpoint in tests.
	baseURL string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.baseURL != "" {
		return hc.baseURL
	}
	return helixBaseURL
}

// GetStreams returns the currently-live subset of the given logins. One call,
// at most MaxLoginsPerRequest logins; batching across larger sets is the
// planner's job, not this client's.
func (hc *HelixClient) GetStreams(ctx context.Context, logins []string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if len(logins) > MaxLoginsPerRequest {
		return nil, &RequestError{Op: "streams", Err: fmt.Errorf("%d logins exceeds per-request limit %d", len(logins), MaxLoginsPerRequest)}
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	var body struct {
		Data []struct {
			UserLogin    string `json:"user_login"`
			UserName     string `json:"user_name"`
			Title        string `json:"title"`
			GameName     string `json:"game_name"`
			StartedAt    string `json:"started_at"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := hc.getJSON(ctx, "streams", "/streams", q, &body); err != nil {
		return nil, err
	}
	out := make([]Stream, 0, len(body.Data))
	for _, d := range body.Data {
		s := Stream{
			UserLogin:    d.UserLogin,
			UserName:     d.UserName,
			Title:        d.Title,
			GameName:     d.GameName,
			ThumbnailURL: d.ThumbnailURL,
		}
		if t, err := time.Parse(time.RFC3339, d.StartedAt); err == nil {
			s.StartedAt = t
		}
		out = append(out, s)
	}
	return out, nil
}

// GetUsers resolves logins to canonical user records. A login that does not
// exist is simply absent from the result.
func (hc *HelixClient) GetUsers(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if len(logins) > MaxLoginsPerRequest {
		return nil, &RequestError{Op: "users", Err: fmt.Errorf("%d logins exceeds per-request limit %d", len(logins), MaxLoginsPerRequest)}
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var body struct {
		Data []struct {
			ID          string `json:"id"`
			Login       string `json:"login"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := hc.getJSON(ctx, "users", "/users", q, &body); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(body.Data))
	for _, d := range body.Data {
		out = append(out, User{ID: d.ID, Login: d.Login, DisplayName: d.DisplayName})
	}
	return out, nil
}

// getJSON performs an authenticated Helix GET and decodes the response. A 401
// forces one token refresh and a single retry; everything else surfaces as a
// RequestError.
func (hc *HelixClient) getJSON(ctx context.Context, op, path string, q url.Values, v any) error {
	refreshed := false
	for {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			_, _ = io.Copy(io.Discard, resp.Body)
			closeBody(resp)
			slog.Warn("twitch api returned 401, forcing token refresh", slog.String("op", op))
			if _, err := hc.AppTokenSource.ForceRefresh(ctx); err != nil {
				return err
			}
			refreshed = true
			continue
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			closeBody(resp)
			return &RequestError{Op: op, Err: fmt.Errorf("%s: %s", resp.Status, string(b))}
		}
		err = json.NewDecoder(resp.Body).Decode(v)
		closeBody(resp)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		return nil
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
