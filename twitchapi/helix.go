// Package twitchapi is a minimal Twitch client: the Helix clip endpoints and the
// id.twitch.tv token endpoints needed to keep a user token usable.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHelixBaseURL = "https://api.twitch.tv/helix"
	DefaultAuthBaseURL  = "https://id.twitch.tv/oauth2"
)

var (
	// ErrUnauthorized matches any StatusError carrying HTTP 401.
	ErrUnauthorized = errors.New("twitchapi: unauthorized")
	// ErrClipNotFound is returned by GetClip when Helix has no such clip (yet).
	ErrClipNotFound = errors.New("twitchapi: clip not found")
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrUnauthorized) match a 401.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// StatusCode extracts the HTTP status from err, or 0 when err is not a
// StatusError (network failure, decode error).
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// ClipMeta is the subset of a Helix clip the service records.
type ClipMeta struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	EmbedURL      string    `json:"embed_url"`
	ThumbnailURL  string    `json:"thumbnail_url"`
	BroadcasterID string    `json:"broadcaster_id"`
	Title         string    `json:"title"`
	Duration      float64   `json:"duration"`
	CreatedAt     time.Time `json:"created_at"`
}

// HelixClient calls Helix on behalf of the user whose token is passed in.
type HelixClient struct {
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) url(path string) string {
	base := hc.BaseURL
	if base == "" {
		base = DefaultHelixBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// CreateClip asks Twitch to capture a clip of the broadcaster's live stream.
// status is the HTTP status (0 on transport failure) so callers can classify
// the outcome; err is non-nil for every non-2xx response.
func (hc *HelixClient) CreateClip(ctx context.Context, broadcasterID int64, token string) (clipID string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.url("/clips"), nil)
	if err != nil {
		return "", 0, err
	}
	q := req.URL.Query()
	q.Set("broadcaster_id", strconv.FormatInt(broadcasterID, 10))
	req.URL.RawQuery = q.Encode()
	hc.authorize(req, token)

	var body struct {
		Data []struct {
			ID      string `json:"id"`
			EditURL string `json:"edit_url"`
		} `json:"data"`
	}
	status, err = hc.do(req, "create clip", &body)
	if err != nil {
		return "", status, err
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", status, fmt.Errorf("create clip: response has no clip id")
	}
	return body.Data[0].ID, status, nil
}

// GetClip fetches clip metadata. A freshly created clip can take several
// seconds to appear; until then ErrClipNotFound is returned.
func (hc *HelixClient) GetClip(ctx context.Context, clipID, token string) (*ClipMeta, error) {
	if clipID == "" {
		return nil, errors.New("get clip: clip id empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.url("/clips"), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("id", clipID)
	req.URL.RawQuery = q.Encode()
	hc.authorize(req, token)

	var body struct {
		Data []ClipMeta `json:"data"`
	}
	if _, err := hc.do(req, "get clip", &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, ErrClipNotFound
	}
	return &body.Data[0], nil
}

func (hc *HelixClient) authorize(req *http.Request, token string) {
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
}

func (hc *HelixClient) do(req *http.Request, op string, out any) (int, error) {
	return doJSON(hc.http(), req, op, out)
}

// doJSON executes req, maps non-2xx to *StatusError and decodes a 2xx body
// into out.
func doJSON(client *http.Client, req *http.Request, op string, out any) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}
