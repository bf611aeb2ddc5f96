package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/db"
)

// SetupTestDB connects to TEST_PG_DSN and brings the schema up to date. Tests
// are skipped when the variable is unset so `go test ./...` works without a
// database.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return database
}

// Purge deletes rows where column = value from table now and again when the
// test ends, so reruns against a shared database start clean.
func Purge(t *testing.T, database *sql.DB, table, column string, value any) {
	t.Helper()
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, column)
	if _, err := database.Exec(q, value); err != nil {
		t.Fatalf("purge %s: %v", table, err)
	}
	t.Cleanup(func() { _, _ = database.Exec(q, value) })
}
