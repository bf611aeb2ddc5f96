package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// Validation is the response of the token validation endpoint.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// HasScopes reports whether every scope in want was granted.
func (v *Validation) HasScopes(want ...string) bool {
	for _, w := range want {
		found := false
		for _, s := range v.Scopes {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AuthClient talks to the id.twitch.tv OAuth endpoints with the app's client
// credentials.
type AuthClient struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
}

func (ac *AuthClient) http() *http.Client {
	if ac.HTTPClient != nil {
		return ac.HTTPClient
	}
	return http.DefaultClient
}

func (ac *AuthClient) url(path string) string {
	base := ac.BaseURL
	if base == "" {
		base = DefaultAuthBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new access token. Twitch
// rotates the refresh token, so callers must persist both values.
func (ac *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if ac.ClientID == "" || ac.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", ac.ClientID)
	form.Set("client_secret", ac.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.url("/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var res RefreshResult
	if _, err := doJSON(ac.http(), req, "twitch refresh", &res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.New("twitch refresh: empty access token")
	}
	return &res, nil
}

// ValidateToken checks an access token. An invalid or expired token yields an
// error matching ErrUnauthorized.
func (ac *AuthClient) ValidateToken(ctx context.Context, accessToken string) (*Validation, error) {
	if accessToken == "" {
		return nil, errors.New("validate token: access token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ac.url("/validate"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	var v Validation
	if _, err := doJSON(ac.http(), req, "validate token", &v); err != nil {
		return nil, err
	}
	return &v, nil
}
