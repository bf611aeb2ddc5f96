package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/oauth"
	"github.com/onnwee/clip-tender/testutil"
)

func fileStore(t *testing.T, name string) *oauth.FileStore {
	t.Helper()
	return oauth.NewFileStore(filepath.Join(t.TempDir(), name))
}

func cred(refresh string, updated time.Time) oauth.Credential {
	return oauth.Credential{
		AccessToken:  "access-" + refresh,
		RefreshToken: refresh,
		Scopes:       []string{"chat:read", "clips:edit"},
		UpdatedAt:    updated,
		ExpiresAt:    updated.Add(4 * time.Hour),
	}
}

func TestMigrateCredential(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		dst         *oauth.Credential
		dryRun      bool
		wantWritten bool
		wantErr     bool
		wantRefresh string
	}{
		{name: "empty destination", wantWritten: true, wantRefresh: "r1"},
		{name: "dry run leaves destination empty", dryRun: true},
		{name: "same credential is skipped", dst: ptr(cred("r1", t1)), wantRefresh: "r1"},
		{name: "older destination is replaced", dst: ptr(cred("r0", t1.Add(-time.Hour))), wantWritten: true, wantRefresh: "r1"},
		{name: "newer destination is kept", dst: ptr(cred("r2", t1.Add(time.Hour))), wantErr: true, wantRefresh: "r2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fileStore(t, "src.json")
			if err := src.Save(ctx, cred("r1", t1)); err != nil {
				t.Fatal(err)
			}
			dst := fileStore(t, "dst.json")
			if tt.dst != nil {
				if err := dst.Save(ctx, *tt.dst); err != nil {
					t.Fatal(err)
				}
			}

			written, err := migrateCredential(ctx, src, dst, tt.dryRun)
			if (err != nil) != tt.wantErr {
				t.Fatalf("migrateCredential() error = %v, wantErr %v", err, tt.wantErr)
			}
			if written != tt.wantWritten {
				t.Errorf("written = %v, want %v", written, tt.wantWritten)
			}
			got, err := dst.Load(ctx)
			if tt.wantRefresh == "" {
				if !errors.Is(err, oauth.ErrNoCredentials) {
					t.Errorf("destination should be empty, got %+v, %v", got, err)
				}
				return
			}
			if err != nil || got.RefreshToken != tt.wantRefresh {
				t.Errorf("destination = %+v, %v; want refresh %s", got, err, tt.wantRefresh)
			}
		})
	}
}

func TestMigrateCredentialMissingSource(t *testing.T) {
	if _, err := migrateCredential(context.Background(), fileStore(t, "a.json"), fileStore(t, "b.json"), false); !errors.Is(err, oauth.ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestMigrateFileToPostgres(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	provider := fmt.Sprintf("test-migrate-%d", time.Now().UnixNano())
	testutil.Purge(t, database, "oauth_tokens", "provider", provider)

	src := fileStore(t, "src.json")
	if err := src.Save(ctx, cred("r1", time.Now().UTC().Truncate(time.Second))); err != nil {
		t.Fatal(err)
	}
	dst := oauth.NewPostgresStore(database, provider)
	written, err := migrateCredential(ctx, src, dst, false)
	if err != nil || !written {
		t.Fatalf("migrateCredential() = %v, %v", written, err)
	}
	got, err := dst.Load(ctx)
	if err != nil || got.AccessToken != "access-r1" {
		t.Errorf("postgres credential = %+v, %v", got, err)
	}
}

func ptr[T any](v T) *T { return &v }
