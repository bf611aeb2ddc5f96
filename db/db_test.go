package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// setupTestDB connects to TEST_PG_DSN and migrates, skipping when unset.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"fk violation", &pgconn.PgError{Code: "23503"}, false},
		{"plain", sql.ErrConnDone, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClampClipsLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-3, DefaultClipsLimit},
		{0, DefaultClipsLimit},
		{1, 1},
		{50, 50},
		{MaxClipsLimit, MaxClipsLimit},
		{MaxClipsLimit + 1, MaxClipsLimit},
		{1000, MaxClipsLimit},
	}
	for _, tt := range tests {
		if got := ClampClipsLimit(tt.in); got != tt.want {
			t.Errorf("ClampClipsLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	for i := 0; i < 2; i++ {
		if err := Migrate(context.Background(), db); err != nil {
			t.Fatalf("Migrate() run %d: %v", i+1, err)
		}
	}
	v, dirty, err := GetMigrationVersion(db)
	if err != nil || dirty || v < 1 {
		t.Errorf("GetMigrationVersion() = %d, %v, %v", v, dirty, err)
	}
}

func TestInsertClipIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	clipID := fmt.Sprintf("test-clip-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM clips WHERE clip_id=$1`, clipID) })

	c := Clip{
		BroadcasterID: 42,
		ClipID:        clipID,
		EmbedURL:      "https://clips.twitch.tv/embed?clip=" + clipID,
		ThumbnailURL:  "https://example.test/thumb.jpg",
		Intensity:     4.2,
		DetectedAt:    time.Now().UTC().Truncate(time.Second),
	}
	inserted, err := InsertClip(ctx, db, c)
	if err != nil || !inserted {
		t.Fatalf("first InsertClip = %v, %v", inserted, err)
	}
	inserted, err = InsertClip(ctx, db, c)
	if err != nil || inserted {
		t.Fatalf("duplicate InsertClip = %v, %v; want no-op", inserted, err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clips WHERE clip_id=$1`, clipID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows for clip = %d, want 1", n)
	}

	clips, err := ListClips(ctx, db, 42, 10)
	if err != nil {
		t.Fatalf("ListClips: %v", err)
	}
	found := false
	for _, got := range clips {
		if got.ClipID == clipID {
			found = true
			if got.Intensity != 4.2 || got.EmbedURL != c.EmbedURL {
				t.Errorf("listed clip = %+v", got)
			}
		}
	}
	if !found {
		t.Error("inserted clip not listed")
	}
}

func withEncryptionKey(t *testing.T, key string) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", key)
	resetKeyring()
	t.Cleanup(resetKeyring)
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		wantVersion int
	}{
		{"plaintext", "", 0},
		{"encrypted", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEncryptionKey(t, tt.key)
			db := setupTestDB(t)
			ctx := context.Background()
			provider := "test-" + tt.name
			t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider) })

			want := OAuthToken{AccessToken: "a1", RefreshToken: "r1", Scope: "chat:read clips:edit", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second), CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
			if err := UpsertOAuthToken(ctx, db, provider, want); err != nil {
				t.Fatalf("UpsertOAuthToken: %v", err)
			}

			var storedAccess string
			var version int
			if err := db.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).Scan(&storedAccess, &version); err != nil {
				t.Fatal(err)
			}
			if version != tt.wantVersion {
				t.Errorf("encryption_version = %d, want %d", version, tt.wantVersion)
			}
			if (storedAccess == want.AccessToken) == (tt.wantVersion == 1) {
				t.Errorf("stored access token %q does not match encryption mode", storedAccess)
			}

			got, err := GetOAuthToken(ctx, db, provider)
			if err != nil {
				t.Fatalf("GetOAuthToken: %v", err)
			}
			if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || got.Scope != want.Scope || !got.ExpiresAt.Equal(want.ExpiresAt) || !got.CreatedAt.Equal(want.CreatedAt) {
				t.Errorf("GetOAuthToken = %+v, want %+v", got, want)
			}
		})
	}
}

func TestCompareAndSwapOAuthToken(t *testing.T) {
	withEncryptionKey(t, "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	db := setupTestDB(t)
	ctx := context.Background()
	provider := "test-cas"
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider) })

	if err := UpsertOAuthToken(ctx, db, provider, OAuthToken{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatal(err)
	}
	ok, _, err := CompareAndSwapOAuthToken(ctx, db, provider, "r1", OAuthToken{AccessToken: "a2", RefreshToken: "r2"})
	if err != nil || !ok {
		t.Fatalf("first CAS = %v, %v", ok, err)
	}
	// A second writer still holding r1 loses and sees the winner.
	ok, cur, err := CompareAndSwapOAuthToken(ctx, db, provider, "r1", OAuthToken{AccessToken: "a3", RefreshToken: "r3"})
	if err != nil || ok {
		t.Fatalf("stale CAS = %v, %v; want conflict", ok, err)
	}
	if cur.AccessToken != "a2" || cur.RefreshToken != "r2" {
		t.Errorf("current after conflict = %+v", cur)
	}

	if _, _, err := CompareAndSwapOAuthToken(ctx, db, "missing-provider", "x", OAuthToken{}); err != ErrTokenNotFound {
		t.Errorf("CAS on missing row err = %v, want ErrTokenNotFound", err)
	}
}

func TestEncryptedTokenWithoutKey(t *testing.T) {
	withEncryptionKey(t, "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	db := setupTestDB(t)
	ctx := context.Background()
	provider := "test-nokey"
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider) })
	if err := UpsertOAuthToken(ctx, db, provider, OAuthToken{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ENCRYPTION_KEY", "")
	resetKeyring()
	if _, err := GetOAuthToken(ctx, db, provider); err == nil {
		t.Error("expected error reading encrypted token without a key")
	}
}

func TestInvalidEncryptionKey(t *testing.T) {
	withEncryptionKey(t, "not-base64!!")
	if _, err := getKeyring(); err == nil {
		t.Error("expected error for invalid ENCRYPTION_KEY")
	}
}

func TestTokenKeyRotation(t *testing.T) {
	const oldKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
	const newKey = "ZmVkY2JhOTg3NjU0MzIxMGZlZGNiYTk4NzY1NDMyMTA="
	withEncryptionKey(t, oldKey)
	db := setupTestDB(t)
	ctx := context.Background()
	provider := "test-rotate"
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider) })
	if err := UpsertOAuthToken(ctx, db, provider, OAuthToken{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatal(err)
	}
	var oldID string
	if err := db.QueryRow(`SELECT encryption_key_id FROM oauth_tokens WHERE provider=$1`, provider).Scan(&oldID); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ENCRYPTION_KEY", newKey)
	t.Setenv("ENCRYPTION_KEY_PREVIOUS", oldKey)
	resetKeyring()
	got, err := GetOAuthToken(ctx, db, provider)
	if err != nil || got.RefreshToken != "r1" {
		t.Fatalf("GetOAuthToken after rotation = %+v, %v", got, err)
	}
	if ok, _, err := CompareAndSwapOAuthToken(ctx, db, provider, "r1", OAuthToken{AccessToken: "a2", RefreshToken: "r2"}); err != nil || !ok {
		t.Fatalf("CAS after rotation = %v, %v", ok, err)
	}
	var newID string
	if err := db.QueryRow(`SELECT encryption_key_id FROM oauth_tokens WHERE provider=$1`, provider).Scan(&newID); err != nil {
		t.Fatal(err)
	}
	if newID == oldID {
		t.Errorf("encryption_key_id still %q after a write under the new key", newID)
	}
}
