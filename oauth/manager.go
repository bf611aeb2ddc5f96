package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*twitchapi.RefreshResult, error)
}

// Validator checks an access token with the provider.
type Validator interface {
	ValidateToken(ctx context.Context, accessToken string) (*twitchapi.Validation, error)
}

// Manager hands out the current access token and performs refreshes against
// the shared Store. The store is re-read before every use so updates made by
// other processes are picked up; the cached copy is only a fallback when the
// store is briefly unreadable.
type Manager struct {
	store Store
	auth  Refresher
	now   func() time.Time

	mu     sync.RWMutex
	cur    Credential
	loaded bool

	refreshMu sync.Mutex
}

func NewManager(store Store, auth Refresher) *Manager {
	return &Manager{store: store, auth: auth, now: time.Now}
}

// Current returns the cached credential.
func (m *Manager) Current() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur, m.loaded
}

// Ready reports whether a credential has been loaded at least once.
func (m *Manager) Ready() bool {
	_, ok := m.Current()
	return ok
}

func (m *Manager) set(c Credential) {
	m.mu.Lock()
	// Keep an expiry learned from validation when the store does not record one.
	if c.ExpiresAt.IsZero() && c.AccessToken == m.cur.AccessToken {
		c.ExpiresAt = m.cur.ExpiresAt
	}
	m.cur = c
	m.loaded = true
	m.mu.Unlock()
}

func (m *Manager) load(ctx context.Context) (Credential, error) {
	c, err := m.store.Load(ctx)
	if err != nil {
		if cached, ok := m.Current(); ok && !errors.Is(err, ErrNoCredentials) {
			slog.Warn("credential store unreadable, using cached token", slog.String("component", "oauth"), slog.Any("err", err))
			return cached, nil
		}
		return Credential{}, err
	}
	m.set(c)
	cur, _ := m.Current()
	return cur, nil
}

// Token returns an access token, refreshing first when the stored one is known
// to be expired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	c, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if c.Expired(m.now()) {
		return m.Refresh(ctx, c.AccessToken)
	}
	return c.AccessToken, nil
}

// Refresh obtains a new access token because stale was rejected or expired.
// If the store already holds a different live token (another worker or process
// refreshed first) that token is adopted instead of refreshing again.
func (m *Manager) Refresh(ctx context.Context, stale string) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	logger := slog.Default().With(slog.String("component", "oauth"))

	latest, err := m.store.Load(ctx)
	if err != nil {
		telemetry.RecordRefresh("error")
		return "", fmt.Errorf("load credential for refresh: %w", err)
	}
	now := m.now()
	if latest.AccessToken != stale && !latest.Expired(now) {
		m.set(latest)
		telemetry.RecordRefresh("adopted")
		logger.Info("adopted credential refreshed elsewhere")
		return latest.AccessToken, nil
	}

	res, err := m.auth.RefreshToken(ctx, latest.RefreshToken)
	if err != nil {
		telemetry.RecordRefresh("error")
		return "", fmt.Errorf("refresh token: %w", err)
	}
	next := Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Scopes:       res.Scope,
		CreatedAt:    latest.CreatedAt,
		UpdatedAt:    now.UTC(),
		ExpiresAt:    now.Add(expiresIn(res.ExpiresIn)).UTC(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = latest.RefreshToken
	}
	if len(next.Scopes) == 0 {
		next.Scopes = latest.Scopes
	}

	stored, err := m.store.CompareAndSwap(ctx, latest, next)
	switch {
	case errors.Is(err, ErrCASConflict):
		m.set(stored)
		telemetry.RecordRefresh("adopted")
		logger.Info("concurrent refresh won, adopting stored credential")
		return stored.AccessToken, nil
	case err != nil:
		telemetry.RecordRefresh("error")
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}
	m.set(stored)
	telemetry.RecordRefresh("ok")
	logger.Info("credential refreshed", slog.Time("expires_at", stored.ExpiresAt))
	return stored.AccessToken, nil
}

func expiresIn(seconds int) time.Duration {
	if seconds <= 0 {
		return time.Hour
	}
	return time.Duration(seconds) * time.Second
}

// Bootstrap loads the stored credential and proves it usable before the
// service starts: it is validated with the provider, refreshed once if
// rejected, and checked for the required scopes. The returned error explains
// what an operator has to fix.
func (m *Manager) Bootstrap(ctx context.Context, v Validator, requiredScopes ...string) (*twitchapi.Validation, error) {
	c, err := m.load(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("load stored credentials: %w", err)
	}

	val, err := v.ValidateToken(ctx, c.AccessToken)
	if errors.Is(err, twitchapi.ErrUnauthorized) {
		slog.Warn("stored access token rejected, refreshing", slog.String("component", "oauth"))
		tok, rerr := m.Refresh(ctx, c.AccessToken)
		if rerr != nil {
			return nil, fmt.Errorf("stored access token is invalid and refresh failed (re-run seed-tokens): %w", rerr)
		}
		val, err = v.ValidateToken(ctx, tok)
	}
	if err != nil {
		return nil, fmt.Errorf("validate access token: %w", err)
	}
	if !val.HasScopes(requiredScopes...) {
		return nil, fmt.Errorf("access token lacks required scopes %v (granted %v)", requiredScopes, val.Scopes)
	}

	if cur, _ := m.Current(); cur.ExpiresAt.IsZero() && val.ExpiresIn > 0 {
		cur.ExpiresAt = m.now().Add(time.Duration(val.ExpiresIn) * time.Second)
		m.set(cur)
	}
	slog.Info("credentials validated", slog.String("component", "oauth"), slog.String("login", val.Login), slog.Any("scopes", val.Scopes), slog.Int("expires_in", val.ExpiresIn))
	return val, nil
}
