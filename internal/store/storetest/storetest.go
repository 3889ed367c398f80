// Package storetest opens migrated stores for tests.
package storetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/buncis/solid-queue/internal/store"
)

// SQLiteConfig returns a store config for a fresh database file under t.TempDir().
func SQLiteConfig(t testing.TB) store.Config {
	t.Helper()
	return store.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "queue.db"),
		BusyTimeout: 10 * time.Second,
	}
}

// Open returns a migrated SQLite store closed via t.Cleanup.
func Open(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	return OpenConfig(t, SQLiteConfig(t), opts...)
}

// OpenConfig opens and migrates the store described by cfg.
func OpenConfig(t testing.TB, cfg store.Config, opts ...store.Option) *store.Store {
	t.Helper()
	st, err := store.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// PostgresConfig starts a Postgres container and returns a config pointing at it.
// It skips the test in -short mode or unless SOLID_QUEUE_TEST_POSTGRES=1.
func PostgresConfig(t testing.TB) store.Config {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	if os.Getenv("SOLID_QUEUE_TEST_POSTGRES") != "1" {
		t.Skip("set SOLID_QUEUE_TEST_POSTGRES=1 to run postgres container tests")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("solid_queue_test"),
		tcpostgres.WithUsername("solid_queue"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return store.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: 20}
}
