// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// appTables are emptied after each test. Keep in sync with migrations/.
var appTables = []string{"ledger_kv", "reputation_snapshots"}

// PGTest connects to POSTGRES_URL, brings the schema up to date and returns
// the handle with a teardown that empties the application tables. The test
// is skipped when POSTGRES_URL is unset.
//
//	db, done := testutil.PGTest(t)
//	defer done()
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		t.Fatalf("pgtest: connect: %v", err)
	}

	dir, err := migrationsDir()
	if err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: dialect: %v", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	return db, func() {
		for _, table := range appTables {
			_, _ = db.ExecContext(ctx, "DELETE FROM "+table) // #nosec G202 -- fixed table list
		}
		_ = db.Close()
	}
}

// migrationsDir finds the nearest migrations/ directory above the package
// under test.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no migrations/ directory above working dir")
		}
		dir = parent
	}
}
