// Package oauth keeps the shared Twitch user credential usable. The credential
// lives in a Store shared with other services, so every write is a
// compare-and-swap keyed on the refresh token: a refresh started by one worker
// or process never clobbers one that already landed.
package oauth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoCredentials means the store holds no credential yet.
	ErrNoCredentials = errors.New("oauth: no stored credentials (run seed-tokens)")
	// ErrCASConflict means the stored credential changed since it was read.
	ErrCASConflict = errors.New("oauth: credential changed concurrently")
)

// Credential is the shared user token document. The JSON layout matches the
// token file written by seed-tokens and read by the ingestion service.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the credential is known to be expired at now. An
// unknown expiry is treated as live; a 401 will reveal otherwise.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c Credential) valid() error {
	if c.AccessToken == "" || c.RefreshToken == "" {
		return errors.New("oauth: credential is missing access_token or refresh_token")
	}
	return nil
}

// Store persists the shared credential.
type Store interface {
	// Load returns the stored credential or ErrNoCredentials.
	Load(ctx context.Context) (Credential, error)
	// CompareAndSwap writes next only if the stored refresh token still equals
	// old.RefreshToken. On conflict it returns the stored credential together
	// with ErrCASConflict.
	CompareAndSwap(ctx context.Context, old, next Credential) (Credential, error)
	// Save writes c unconditionally. Used when seeding.
	Save(ctx context.Context, c Credential) error
}
