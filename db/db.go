// Package db provides the Postgres connection, schema migration and the data
// access helpers for recorded clips and the shared OAuth token row.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/clip-tender/crypto"
)

var (
	keyring     *crypto.Keyring
	keyringOnce sync.Once
	keyringErr  error
)

// getKeyring loads the token keyring from ENCRYPTION_KEY once. A nil ring
// means tokens are stored in plaintext (encryption_version 0).
func getKeyring() (*crypto.Keyring, error) {
	keyringOnce.Do(func() {
		keyring, keyringErr = crypto.KeyringFromEnv()
		switch {
		case keyringErr != nil:
			keyringErr = fmt.Errorf("failed to initialize encryption: %w", keyringErr)
			slog.Error("encryption initialization failed", slog.Any("error", keyringErr), slog.String("component", "db_encryption"))
		case keyring == nil:
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
		default:
			slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("key_id", keyring.ActiveID()), slog.String("component", "db_encryption"))
		}
	})
	return keyring, keyringErr
}

// resetKeyring forgets the cached keyring so a changed ENCRYPTION_KEY is
// picked up. Tests only.
func resetKeyring() {
	keyringOnce = sync.Once{}
	keyring = nil
	keyringErr = nil
}

// Connect opens a Postgres connection pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(10)
	database.SetConnMaxIdleTime(5 * time.Minute)
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return RunMigrations(db)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Clip is one row of the clips table.
type Clip struct {
	BroadcasterID int64     `json:"broadcaster_id"`
	ClipID        string    `json:"clip_id"`
	EmbedURL      string    `json:"embed_url"`
	ThumbnailURL  string    `json:"thumbnail_url"`
	Intensity     float64   `json:"intensity"`
	DetectedAt    time.Time `json:"detected_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertClip stores c unless a row with the same clip_id exists. inserted is
// false for a duplicate, which is not an error.
func InsertClip(ctx context.Context, dbx *sql.DB, c Clip) (inserted bool, err error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := dbx.ExecContext(ctx,
		`INSERT INTO clips (broadcaster_id, clip_id, embed_url, thumbnail_url, intensity, detected_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (clip_id) DO NOTHING`,
		c.BroadcasterID, c.ClipID, c.EmbedURL, c.ThumbnailURL, c.Intensity, c.DetectedAt, c.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Page bounds for ListClips, shared with the /clips endpoint.
const (
	DefaultClipsLimit = 50
	MaxClipsLimit     = 200
)

// ClampClipsLimit maps a requested page size onto [1, MaxClipsLimit]; zero or
// negative means DefaultClipsLimit.
func ClampClipsLimit(limit int) int {
	if limit <= 0 {
		return DefaultClipsLimit
	}
	return min(limit, MaxClipsLimit)
}

// ListClips returns the most recent clips, newest first. broadcasterID 0
// lists every broadcaster. limit is clamped with ClampClipsLimit.
func ListClips(ctx context.Context, dbx *sql.DB, broadcasterID int64, limit int) ([]Clip, error) {
	limit = ClampClipsLimit(limit)
	q := `SELECT broadcaster_id, clip_id, embed_url, thumbnail_url, intensity, detected_at, created_at FROM clips`
	args := []any{}
	if broadcasterID != 0 {
		q += ` WHERE broadcaster_id = $1`
		args = append(args, broadcasterID)
	}
	q += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT %d`, limit)
	rows, err := dbx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Clip
	for rows.Next() {
		var c Clip
		if err := rows.Scan(&c.BroadcasterID, &c.ClipID, &c.EmbedURL, &c.ThumbnailURL, &c.Intensity, &c.DetectedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OAuthToken is the decrypted content of an oauth_tokens row.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ErrTokenNotFound is returned when the provider has no row.
var ErrTokenNotFound = errors.New("db: oauth token not found")

// encryptTokens returns the values to store plus the encryption version and
// key id. encryption_version=1 means sealed by the keyring, 0 plaintext.
func encryptTokens(access, refresh string) (string, string, int, sql.NullString, error) {
	kr, err := getKeyring()
	if err != nil {
		return "", "", 0, sql.NullString{}, err
	}
	if kr == nil {
		return access, refresh, 0, sql.NullString{}, nil
	}
	a, err := kr.Seal(access)
	if err != nil {
		return "", "", 0, sql.NullString{}, fmt.Errorf("encrypt access token: %w", err)
	}
	r, err := kr.Seal(refresh)
	if err != nil {
		return "", "", 0, sql.NullString{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return a, r, 1, sql.NullString{String: kr.ActiveID(), Valid: true}, nil
}

func decryptTokens(t *OAuthToken, version int) error {
	if version != 1 {
		return nil
	}
	kr, err := getKeyring()
	if err != nil {
		return err
	}
	if kr == nil {
		return errors.New("token is encrypted but ENCRYPTION_KEY not configured")
	}
	if kr.NeedsReseal(t.RefreshToken) {
		slog.Warn("oauth token sealed with a retired key, it is resealed on the next write", slog.String("component", "db_encryption"))
	}
	if t.AccessToken, err = kr.Open(t.AccessToken); err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}
	if t.RefreshToken, err = kr.Open(t.RefreshToken); err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanToken(ctx context.Context, q queryRower, provider, suffix string) (OAuthToken, error) {
	var t OAuthToken
	var version int
	var exp sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, created_at, updated_at, encryption_version
		 FROM oauth_tokens WHERE provider = $1`+suffix, provider).
		Scan(&t.AccessToken, &t.RefreshToken, &exp, &t.Scope, &t.CreatedAt, &t.UpdatedAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return OAuthToken{}, ErrTokenNotFound
	}
	if err != nil {
		return OAuthToken{}, err
	}
	if exp.Valid {
		t.ExpiresAt = exp.Time
	}
	if err := decryptTokens(&t, version); err != nil {
		return OAuthToken{}, err
	}
	return t, nil
}

// GetOAuthToken reads and decrypts the provider's token row. Plaintext rows
// (encryption_version 0) are read as-is.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (OAuthToken, error) {
	return scanToken(ctx, dbx, provider, "")
}

// UpsertOAuthToken stores the provider's token unconditionally, encrypting it
// when ENCRYPTION_KEY is set. t.CreatedAt is kept on first insert (NOW() when
// zero) and never overwritten afterwards.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider string, t OAuthToken) error {
	access, refresh, version, keyID, err := encryptTokens(t.AccessToken, t.RefreshToken)
	if err != nil {
		return err
	}
	_, err = dbx.ExecContext(ctx,
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,COALESCE($8, NOW()),NOW())
		 ON CONFLICT (provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   encryption_version=EXCLUDED.encryption_version,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		provider, access, refresh, nullTime(t.ExpiresAt), strings.TrimSpace(t.Scope), version, keyID, nullTime(t.CreatedAt))
	return err
}

// CompareAndSwapOAuthToken replaces the provider's token only if the stored
// refresh token still equals oldRefresh. The row is locked for the compare, so
// ciphertexts (which differ per write) never need comparing. swapped is false
// when another writer got there first; current then holds the winner.
func CompareAndSwapOAuthToken(ctx context.Context, dbx *sql.DB, provider, oldRefresh string, next OAuthToken) (swapped bool, current OAuthToken, err error) {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return false, OAuthToken{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanToken(ctx, tx, provider, " FOR UPDATE")
	if err != nil {
		return false, OAuthToken{}, err
	}
	if cur.RefreshToken != oldRefresh {
		return false, cur, nil
	}
	access, refresh, version, keyID, err := encryptTokens(next.AccessToken, next.RefreshToken)
	if err != nil {
		return false, OAuthToken{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, expires_at=$3, scope=$4,
		   encryption_version=$5, encryption_key_id=$6, updated_at=NOW()
		 WHERE provider=$7`,
		access, refresh, nullTime(next.ExpiresAt), strings.TrimSpace(next.Scope), version, keyID, provider); err != nil {
		return false, OAuthToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, OAuthToken{}, err
	}
	return true, next, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
