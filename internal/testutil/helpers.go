package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"CoverLedger/internal/persistence"

	_ "github.com/lib/pq"
)

// TestPostgresDSN returns the Postgres DSN for integration tests, or skips
// the test when none is configured.
func TestPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	return dsn
}

// TestNATSURL returns the NATS URL for integration tests, or skips.
func TestNATSURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	return url
}

// SetupTestDB connects to the test database, applies migrations and
// truncates every table on cleanup.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", TestPostgresDSN(t))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}
	if err := persistence.NewMigrator(db, persistence.Migrations()).Up(ctx); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}

	truncate := func() {
		for _, table := range []string{
			"event_log.journal",
			"event_log.events",
			"event_log.snapshots",
			"projections.pools",
			"projections.positions",
			"projections.covers",
			"projections.claims",
			"projections.balances",
			"projections.checkpoints",
		} {
			db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		db.Close()
	})
	return db
}
