// Package main provides a CLI tool to move the Twitch user credential between
// credential stores, e.g. from the token file the seeding script wrote into
// Postgres or Redis when a deployment grows past a single host.
//
// Writing into the postgres store encrypts the tokens when ENCRYPTION_KEY is
// set, so re-running with --from postgres --to postgres upgrades a plaintext row.
//
// Usage:
//
//	migrate-tokens --from file --to postgres [--dry-run]
//
// Environment Variables:
//
//	TWITCH_TOKEN_FILE, DB_DSN, REDIS_URL, REDIS_TOKEN_KEY: store locations
//	ENCRYPTION_KEY: Base64-encoded 32-byte key for the postgres store (optional)
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/oauth"
)

func main() {
	from := flag.String("from", "file", "source store: file | postgres | redis")
	to := flag.String("to", "postgres", "destination store: file | postgres | redis")
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(*from, *to, *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func run(from, to string, dryRun bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var database *sql.DB
	if from == "postgres" || to == "postgres" {
		if database, err = db.Connect(ctx, cfg.DBDsn); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	src, err := oauth.OpenStore(ctx, from, cfg, database)
	if err != nil {
		return fmt.Errorf("open source store: %w", err)
	}
	defer closeStore(src)
	dst, err := oauth.OpenStore(ctx, to, cfg, database)
	if err != nil {
		return fmt.Errorf("open destination store: %w", err)
	}
	defer closeStore(dst)

	_, err = migrateCredential(ctx, src, dst, dryRun)
	return err
}

func closeStore(s oauth.Store) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// migrateCredential copies the credential held by src into dst and reports
// whether dst was written. A destination already holding the same refresh
// token is left alone unless src == dst, which rewrites it in place.
func migrateCredential(ctx context.Context, src, dst oauth.Store, dryRun bool) (bool, error) {
	cred, err := src.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load source credential: %w", err)
	}
	logger := slog.With(slog.Bool("dry_run", dryRun), slog.Time("expires_at", cred.ExpiresAt), slog.Any("scopes", cred.Scopes))

	existing, err := dst.Load(ctx)
	switch {
	case errors.Is(err, oauth.ErrNoCredentials):
	case err != nil:
		return false, fmt.Errorf("load destination credential: %w", err)
	case existing.RefreshToken == cred.RefreshToken && src != dst:
		logger.Info("destination already holds this credential")
		return false, nil
	case existing.UpdatedAt.After(cred.UpdatedAt):
		return false, fmt.Errorf("destination credential is newer (updated %s) than source (updated %s); refusing to overwrite",
			existing.UpdatedAt.Format(time.RFC3339), cred.UpdatedAt.Format(time.RFC3339))
	}

	if dryRun {
		logger.Info("would migrate credential (dry-run)")
		return false, nil
	}
	if err := dst.Save(ctx, cred); err != nil {
		return false, fmt.Errorf("save destination credential: %w", err)
	}
	logger.Info("migrated credential")
	return true, nil
}
