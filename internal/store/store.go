// Package store is the relational store shared by every solid-queue process.
//
// All cross-process coordination is expressed as store operations: row locking
// with SKIP LOCKED on Postgres, serialized immediate transactions on SQLite,
// conditional updates for semaphores and a unique constraint for recurring
// slots. No in-memory state is shared between processes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "github.com/buncis/solid-queue/pkg/logx"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Config selects and tunes the database.
//
// Driver is one of "sqlite", "postgres" (pgx) or "pq" (lib/pq).
type Config struct {
	Driver       string        `json:"driver"`
	DSN          string        `json:"dsn"`
	BusyTimeout  time.Duration `json:"busy_timeout"`
	MaxOpenConns int           `json:"max_open_conns"`
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for every timestamp the store writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open connects to the configured database. It does not run migrations.
func Open(cfg Config, opts ...Option) (*Store, error) {
	driver, dsn, dialect, err := resolveDriver(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		// One connection per process; concurrent writers are serialized by
		// _txlock=immediate and busy_timeout across processes.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		n := cfg.MaxOpenConns
		if n <= 0 {
			n = 10
		}
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	s := &Store{db: db, dialect: dialect, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return s, nil
}

func resolveDriver(cfg Config) (driver, dsn string, dialect Dialect, err error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		dsn, err = sqliteDSN(cfg)
		return "sqlite", dsn, DialectSQLite, err
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.DSN) == "" {
			return "", "", 0, errors.New("postgres dsn is required")
		}
		return "pgx", cfg.DSN, DialectPostgres, nil
	case "pq":
		if strings.TrimSpace(cfg.DSN) == "" {
			return "", "", 0, errors.New("postgres dsn is required")
		}
		return "postgres", cfg.DSN, DialectPostgres, nil
	default:
		return "", "", 0, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func sqliteDSN(cfg Config) (string, error) {
	raw := strings.TrimSpace(cfg.DSN)
	if raw == "" {
		return "", errors.New("sqlite dsn is required")
	}
	path := strings.TrimPrefix(raw, "file:")
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i+1:]
	}
	if path == ":memory:" || path == "" {
		return "", errors.New("sqlite dsn must name a file shared by every process")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return "", fmt.Errorf("sqlite dsn: %w", err)
	}
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busy.Milliseconds(), 10)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode(), nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the underlying pool for tests and ops tooling.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Config() Config { return s.cfg }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// withTx runs fn inside a transaction. fn must only use tx: SQLite runs with a
// single connection, so touching s.db inside fn would deadlock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// q rewrites ? placeholders for the active dialect.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// lock returns the row-locking suffix for claim-style selects. SQLite
// serializes writers with an immediate transaction instead.
func (s *Store) lock(of string) string {
	if s.dialect != DialectPostgres {
		return ""
	}
	if of != "" {
		return " FOR UPDATE OF " + of + " SKIP LOCKED"
	}
	return " FOR UPDATE SKIP LOCKED"
}

// lockWait is lock without SKIP LOCKED, for rows the caller must see even
// while another transaction holds them.
func (s *Store) lockWait(of string) string {
	if s.dialect != DialectPostgres {
		return ""
	}
	if of != "" {
		return " FOR UPDATE OF " + of
	}
	return " FOR UPDATE"
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
