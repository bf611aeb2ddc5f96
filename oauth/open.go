package oauth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/clip-tender/config"
)

// OpenStore builds the credential store named by kind ("file", "postgres" or
// "redis"). database is required for "postgres" only. Stores holding a
// connection also implement io.Closer.
func OpenStore(ctx context.Context, kind string, cfg *config.Config, database *sql.DB) (Store, error) {
	switch kind {
	case "file":
		return NewFileStore(cfg.TokenFile), nil
	case "postgres":
		if database == nil {
			return nil, fmt.Errorf("postgres credential store requires a database connection")
		}
		return NewPostgresStore(database, "twitch"), nil
	case "redis":
		s, err := NewRedisStore(cfg.RedisURL, cfg.RedisTokenKey)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping redis credential store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown credential store %q", kind)
	}
}
