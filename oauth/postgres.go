package oauth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/onnwee/clip-tender/db"
)

// PostgresStore keeps the credential in the oauth_tokens row for provider,
// encrypted at rest when ENCRYPTION_KEY is set.
type PostgresStore struct {
	db       *sql.DB
	provider string
}

func NewPostgresStore(database *sql.DB, provider string) *PostgresStore {
	if provider == "" {
		provider = "twitch"
	}
	return &PostgresStore{db: database, provider: provider}
}

func (s *PostgresStore) Load(ctx context.Context) (Credential, error) {
	row, err := db.GetOAuthToken(ctx, s.db, s.provider)
	if errors.Is(err, db.ErrTokenNotFound) {
		return Credential{}, ErrNoCredentials
	}
	if err != nil {
		return Credential{}, err
	}
	return fromRow(row), nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, old, next Credential) (Credential, error) {
	swapped, cur, err := db.CompareAndSwapOAuthToken(ctx, s.db, s.provider, old.RefreshToken, toRow(next))
	if errors.Is(err, db.ErrTokenNotFound) {
		return Credential{}, ErrNoCredentials
	}
	if err != nil {
		return Credential{}, err
	}
	if !swapped {
		return fromRow(cur), ErrCASConflict
	}
	return next, nil
}

func (s *PostgresStore) Save(ctx context.Context, c Credential) error {
	if err := c.valid(); err != nil {
		return err
	}
	return db.UpsertOAuthToken(ctx, s.db, s.provider, toRow(c))
}

func fromRow(r db.OAuthToken) Credential {
	return Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Scopes:       strings.Fields(r.Scope),
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toRow(c Credential) db.OAuthToken {
	return db.OAuthToken{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
		Scope:        strings.Join(c.Scopes, " "),
		CreatedAt:    c.CreatedAt,
	}
}
