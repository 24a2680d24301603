package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/scene-switcher/db"
)

// SetupTestDB opens a migrated database for a test: Postgres when TEST_PG_DSN
// is set, otherwise a SQLite file in the test's temp dir.
func SetupTestDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		dsn = "file:" + filepath.Join(t.TempDir(), "test.db")
	}
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	if database.Dialect == db.Postgres {
		for _, tbl := range []string{"oauth_tokens", "kv", "redemptions"} {
			if _, err := database.Exec("DELETE FROM " + tbl); err != nil {
				t.Fatalf("failed to clean %s: %v", tbl, err)
			}
		}
	}
	return database
}
