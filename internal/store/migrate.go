package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/buncis/solid-queue/migrations"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// Migrate applies every pending up migration for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	return s.runMigrations(ctx, func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown rolls back every migration.
func (s *Store) MigrateDown(ctx context.Context) error {
	return s.runMigrations(ctx, func(m *migrate.Migrate) error { return m.Down() })
}

// runMigrations uses a dedicated pool: closing a migrate instance closes the
// database it was built on.
func (s *Store) runMigrations(ctx context.Context, step func(m *migrate.Migrate) error) error {
	driver, dsn, dialect, err := resolveDriver(s.cfg)
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("migrate open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate ping: %w", err)
	}

	src, err := iofs.New(migrations.FS, dialect.String())
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch dialect {
	case DialectPostgres:
		drv, derr := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "solid_queue_schema_migrations"})
		if derr != nil {
			_ = db.Close()
			return fmt.Errorf("migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
	default:
		drv, derr := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: "solid_queue_schema_migrations"})
		if derr != nil {
			_ = db.Close()
			return fmt.Errorf("migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
	}
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate init: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			s.log.Warn("migrate close", logx.Any("source_err", srcErr), logx.Any("db_err", dbErr))
		}
	}()

	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	v, dirty, verr := m.Version()
	if verr == nil {
		s.log.Debug("schema migrated", logx.String("dialect", dialect.String()), logx.Int64("version", int64(v)), logx.Bool("dirty", dirty))
	}
	return nil
}
