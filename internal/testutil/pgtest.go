// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/cipherscore/migrations"
)

const containerImage = "postgres:16-alpine"

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error

	migrateMu sync.Mutex
	migrated  = map[string]bool{}
)

// PGTest opens a test database, applies the embedded goose migrations and
// returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing server. Otherwise a throwaway container
// is started once per test binary; when Docker is unavailable the test is
// skipped. The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		containerOnce.Do(startContainer)
		if containerErr != nil {
			t.Skipf("POSTGRES_URL not set and no container available: %v", containerErr)
		}
		dbURL = containerURL
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrateOnce(dbURL, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	ctx := context.Background()
	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

// Migrate applies every embedded migration.
func Migrate(db *sql.DB) error {
	return migrations.Up(context.Background(), db)
}

// migrateOnce runs Migrate the first time a database URL is seen in this
// test binary.
func migrateOnce(url string, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	if migrated[url] {
		return nil
	}
	if err := Migrate(db); err != nil {
		return err
	}
	migrated[url] = true
	return nil
}

func startContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, containerImage,
		tcpostgres.WithDatabase("cipherscore"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
		// Timestamps round-trip through TIMESTAMPTZ; pin the server zone.
		testcontainers.WithEnv(map[string]string{"TZ": "UTC", "PGTZ": "UTC"}),
	)
	if err != nil {
		containerErr = err
		return
	}
	// The container lives for the rest of the test binary; Ryuk reaps it.
	containerURL, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	if containerErr == nil && containerURL == "" {
		containerErr = errors.New("empty connection string")
	}
}

// truncateAll empties every application table. The statement is built by
// Postgres from pg_tables with quote_ident, so no names pass through Go.
func truncateAll(ctx context.Context, db *sql.DB) {
	var stmt sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT 'TRUNCATE ' || string_agg(quote_ident(tablename), ', ') || ' CASCADE'
		FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'
	`).Scan(&stmt)
	if err != nil || !stmt.Valid {
		return
	}
	_, _ = db.ExecContext(ctx, stmt.String) // best effort in teardown
}
