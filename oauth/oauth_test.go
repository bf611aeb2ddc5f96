package oauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/twitchapi"
)

type fakeAuth struct {
	mu     sync.Mutex
	calls  int
	err    error
	valid  map[string]bool
	scopes []string
}

func (f *fakeAuth) RefreshToken(ctx context.Context, refresh string) (*twitchapi.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	n := f.calls
	access := fmt.Sprintf("access-%d", n)
	if f.valid != nil {
		f.valid[access] = true
	}
	return &twitchapi.RefreshResult{AccessToken: access, RefreshToken: fmt.Sprintf("refresh-%d", n), ExpiresIn: 14400}, nil
}

func (f *fakeAuth) ValidateToken(ctx context.Context, access string) (*twitchapi.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.valid[access] {
		return nil, &twitchapi.StatusError{Op: "validate token", StatusCode: 401}
	}
	return &twitchapi.Validation{Login: "clipbot", Scopes: f.scopes, ExpiresIn: 3600}, nil
}

func (f *fakeAuth) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func seededStore(t *testing.T, c Credential) *FileStore {
	t.Helper()
	s := NewFileStore(filepath.Join(t.TempDir(), "secrets", "twitch_user_tokens.json"))
	if err := s.Save(context.Background(), c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return s
}

func TestFileStoreReadsSeededDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	doc := `{
  "access_token": "a0",
  "refresh_token": "r0",
  "scopes": ["chat:read", "clips:edit"],
  "created_at": "2026-01-11T00:00:00Z",
  "updated_at": "2026-01-11T00:05:00.123456+00:00"
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := NewFileStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.AccessToken != "a0" || c.RefreshToken != "r0" || len(c.Scopes) != 2 || c.CreatedAt.IsZero() {
		t.Errorf("Load = %+v", c)
	}
}

func TestFileStoreErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFileStore(filepath.Join(dir, "missing.json")).Load(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("missing file err = %v, want ErrNoCredentials", err)
	}
	partial := filepath.Join(dir, "partial.json")
	_ = os.WriteFile(partial, []byte(`{"access_token":"a"}`), 0o600)
	if _, err := NewFileStore(partial).Load(context.Background()); err == nil {
		t.Error("expected error for document without refresh_token")
	}
}

func TestFileStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	s := seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0", CreatedAt: created})

	old, _ := s.Load(ctx)
	got, err := s.CompareAndSwap(ctx, old, Credential{AccessToken: "a1", RefreshToken: "r1"})
	if err != nil || got.AccessToken != "a1" {
		t.Fatalf("CAS = %+v, %v", got, err)
	}
	if reread, _ := s.Load(ctx); !reread.CreatedAt.Equal(created) {
		t.Errorf("created_at not preserved: %v", reread.CreatedAt)
	}

	got, err = s.CompareAndSwap(ctx, old, Credential{AccessToken: "a2", RefreshToken: "r2"})
	if !errors.Is(err, ErrCASConflict) || got.AccessToken != "a1" {
		t.Fatalf("stale CAS = %+v, %v; want conflict returning a1", got, err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestManagerTokenRereadsStore(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0"})
	m := NewManager(s, &fakeAuth{})

	if tok, err := m.Token(ctx); err != nil || tok != "a0" {
		t.Fatalf("Token = %q, %v", tok, err)
	}
	// Another process rotates the token.
	_ = s.Save(ctx, Credential{AccessToken: "a9", RefreshToken: "r9"})
	if tok, _ := m.Token(ctx); tok != "a9" {
		t.Errorf("Token = %q after external update, want a9", tok)
	}
}

func TestManagerTokenRefreshesExpired(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0", ExpiresAt: time.Now().Add(-time.Minute)})
	auth := &fakeAuth{}
	m := NewManager(s, auth)

	tok, err := m.Token(ctx)
	if err != nil || tok != "access-1" {
		t.Fatalf("Token = %q, %v; want refreshed access-1", tok, err)
	}
	stored, _ := s.Load(ctx)
	if stored.AccessToken != "access-1" || stored.RefreshToken != "refresh-1" || stored.ExpiresAt.IsZero() {
		t.Errorf("stored after refresh = %+v", stored)
	}
}

func TestManagerRefreshAdoptsNewerToken(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, Credential{AccessToken: "fresh", RefreshToken: "r5"})
	auth := &fakeAuth{}
	m := NewManager(s, auth)

	tok, err := m.Refresh(ctx, "stale")
	if err != nil || tok != "fresh" {
		t.Fatalf("Refresh = %q, %v; want adopted token", tok, err)
	}
	if auth.refreshCalls() != 0 {
		t.Errorf("provider refresh called %d times, want 0", auth.refreshCalls())
	}
}

// racingStore lets a competing writer land between Load and CompareAndSwap.
type racingStore struct {
	*FileStore
	once sync.Once
}

func (r *racingStore) CompareAndSwap(ctx context.Context, old, next Credential) (Credential, error) {
	r.once.Do(func() {
		_ = r.FileStore.Save(ctx, Credential{AccessToken: "other-process", RefreshToken: "other-refresh"})
	})
	return r.FileStore.CompareAndSwap(ctx, old, next)
}

func TestManagerRefreshLosesRace(t *testing.T) {
	ctx := context.Background()
	s := &racingStore{FileStore: seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0"})}
	m := NewManager(s, &fakeAuth{})

	tok, err := m.Refresh(ctx, "a0")
	if err != nil || tok != "other-process" {
		t.Fatalf("Refresh = %q, %v; want the winner's token", tok, err)
	}
	if stored, _ := s.Load(ctx); stored.AccessToken != "other-process" {
		t.Errorf("winner clobbered: %+v", stored)
	}
	if cur, _ := m.Current(); cur.AccessToken != "other-process" {
		t.Errorf("local copy = %+v", cur)
	}
}

func TestManagerConcurrentRefreshRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0"})
	auth := &fakeAuth{}
	m := NewManager(s, auth)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Refresh(ctx, "a0")
			if err != nil {
				t.Errorf("Refresh: %v", err)
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()
	if auth.refreshCalls() != 1 {
		t.Errorf("provider refresh called %d times, want 1", auth.refreshCalls())
	}
	for _, r := range results {
		if r != "access-1" {
			t.Errorf("got token %q, want access-1", r)
		}
	}
}

func TestManagerRefreshFailure(t *testing.T) {
	s := seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0"})
	m := NewManager(s, &fakeAuth{err: errors.New("invalid refresh token")})
	if _, err := m.Refresh(context.Background(), "a0"); err == nil {
		t.Fatal("expected refresh error")
	}
	if stored, _ := s.Load(context.Background()); stored.AccessToken != "a0" {
		t.Errorf("store modified on failed refresh: %+v", stored)
	}
}

func TestBootstrap(t *testing.T) {
	scopes := []string{"chat:read", "clips:edit"}
	tests := []struct {
		name        string
		seed        *Credential
		auth        *fakeAuth
		wantErr     bool
		wantNoCreds bool
		wantToken   string
	}{
		{
			name:      "valid token",
			seed:      &Credential{AccessToken: "good", RefreshToken: "r0"},
			auth:      &fakeAuth{valid: map[string]bool{"good": true}, scopes: scopes},
			wantToken: "good",
		},
		{
			name:      "invalid token refreshed",
			seed:      &Credential{AccessToken: "expired", RefreshToken: "r0"},
			auth:      &fakeAuth{valid: map[string]bool{}, scopes: scopes},
			wantToken: "access-1",
		},
		{
			name:    "refresh fails",
			seed:    &Credential{AccessToken: "expired", RefreshToken: "revoked"},
			auth:    &fakeAuth{valid: map[string]bool{}, err: errors.New("400 invalid refresh token")},
			wantErr: true,
		},
		{
			name:    "missing scope",
			seed:    &Credential{AccessToken: "good", RefreshToken: "r0"},
			auth:    &fakeAuth{valid: map[string]bool{"good": true}, scopes: []string{"chat:read"}},
			wantErr: true,
		},
		{
			name:        "no credentials",
			auth:        &fakeAuth{},
			wantErr:     true,
			wantNoCreds: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s *FileStore
			if tt.seed != nil {
				s = seededStore(t, *tt.seed)
			} else {
				s = NewFileStore(filepath.Join(t.TempDir(), "none.json"))
			}
			m := NewManager(s, tt.auth)
			_, err := m.Bootstrap(context.Background(), tt.auth, "clips:edit")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Bootstrap err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantNoCreds && !errors.Is(err, ErrNoCredentials) {
				t.Errorf("err = %v, want ErrNoCredentials", err)
			}
			if tt.wantToken != "" {
				cur, ok := m.Current()
				if !ok || cur.AccessToken != tt.wantToken {
					t.Errorf("current = %+v, want token %q", cur, tt.wantToken)
				}
				if cur.ExpiresAt.IsZero() {
					t.Error("expiry not learned from validation")
				}
			}
		})
	}
}

func TestRefreshIfDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	far := seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0", ExpiresAt: now.Add(2 * time.Hour)})
	auth := &fakeAuth{}
	if refreshIfDue(ctx, NewManager(far, auth), 15*time.Minute) || auth.refreshCalls() != 0 {
		t.Error("refreshed a token far from expiry")
	}

	soon := seededStore(t, Credential{AccessToken: "a0", RefreshToken: "r0", ExpiresAt: now.Add(5 * time.Minute)})
	if !refreshIfDue(ctx, NewManager(soon, auth), 15*time.Minute) || auth.refreshCalls() != 1 {
		t.Error("did not refresh a token inside the window")
	}
	if stored, _ := soon.Load(ctx); stored.AccessToken != "access-1" {
		t.Errorf("stored = %+v", stored)
	}
}
