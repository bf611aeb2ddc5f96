package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer serves both Helix (/helix/...) and id.twitch.tv
// (/oauth2/...) paths. Point HelixClient.BaseURL at HelixURL() and
// AuthClient.BaseURL at AuthURL().
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server. Handlers are looked
// up by "METHOD /path" first and then by "/path".
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		handler, ok := m.Handlers[key]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the Helix base URL of the mock.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// AuthURL is the OAuth base URL of the mock.
func (m *MockTwitchServer) AuthURL() string { return m.URL + "/oauth2" }

// Calls returns how many requests hit "METHOD /path".
func (m *MockTwitchServer) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// Handle registers fn for key ("METHOD /path" or "/path").
func (m *MockTwitchServer) Handle(key string, fn http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[key] = fn
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockCreateClip answers POST /helix/clips with statuses in order, repeating
// the last one. A 2xx status returns clipID.
func (m *MockTwitchServer) MockCreateClip(clipID string, statuses ...int) {
	if len(statuses) == 0 {
		statuses = []int{http.StatusAccepted}
	}
	var mu sync.Mutex
	n := 0
	m.Handle("POST /helix/clips", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		status := statuses[min(n, len(statuses)-1)]
		n++
		mu.Unlock()
		if status >= 200 && status < 300 {
			writeJSON(w, status, map[string]any{
				"data": []map[string]string{{"id": clipID, "edit_url": "https://clips.twitch.tv/" + clipID + "/edit"}},
			})
			return
		}
		writeJSON(w, status, map[string]any{"status": status, "message": http.StatusText(status)})
	})
}

// MockGetClip answers GET /helix/clips with one clip, or an empty list when
// clip is nil.
func (m *MockTwitchServer) MockGetClip(clip map[string]any) {
	m.Handle("GET /helix/clips", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]any{}
		if clip != nil {
			data = append(data, clip)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"chat:read", "clips:edit"},
			"token_type":    "bearer",
		})
	})
}

// MockValidateResponse answers GET /oauth2/validate. Tokens not in valid get 401.
func (m *MockTwitchServer) MockValidateResponse(valid map[string]bool, scopes []string, expiresIn int) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get("Authorization")
		if len(tok) > len("OAuth ") {
			tok = tok[len("OAuth "):]
		}
		if !valid[tok] {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"client_id":  "test-client",
			"login":      "clipbot",
			"user_id":    "1000",
			"scopes":     scopes,
			"expires_in": expiresIn,
		})
	})
}
