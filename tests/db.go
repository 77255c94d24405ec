package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/kanisa/storage/database"
)

// DatabaseURLEnv names the variable holding the integration database DSN.
const DatabaseURLEnv = "TEST_DATABASE_URL"

var tables = []string{
	"attendance", "meetings", "charges", "payments",
	"member_subgroups", "group_members", "groups", "people", "households",
}

// PrepareDB opens the integration database, migrates it and empties every table.
// The test is skipped when no database is configured.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv(DatabaseURLEnv)
	if dsn == "" {
		t.Skipf("%s not set", DatabaseURLEnv)
	}

	ctx := context.Background()
	db, err := database.OpenURL(ctx, dsn)
	if err != nil {
		t.Fatalf("PrepareDB(): %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(ctx, db.DB, "up"); err != nil {
		t.Fatalf("PrepareDB(): %v", err)
	}
	for _, table := range tables {
		if _, err = db.ExecContext(ctx, "TRUNCATE "+table+" RESTART IDENTITY CASCADE"); err != nil {
			t.Fatalf("PrepareDB(): truncating %s: %v", table, err)
		}
	}
	return db
}
