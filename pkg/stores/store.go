package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect identifies the SQL database behind a store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds store configuration.
type Config struct {
	// Driver selects the dialect: sqlite (default) or postgres.
	Driver Dialect `mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// conn carries the query methods shared by SQLStore and Tx.
type conn struct {
	q       execer
	dialect Dialect
}

// SQLStore persists engine state in SQLite or PostgreSQL.
type SQLStore struct {
	*conn
	db  *sql.DB
	cfg Config
}

// Tx is a store bound to an open transaction.
type Tx struct {
	*conn
	tx *sql.Tx
}

// NewSQLStore creates a new store instance. Init must be called before use.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = DialectSQLite
	}
	switch cfg.Driver {
	case DialectSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
	case DialectPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLStore{cfg: cfg}, nil
}

// NewFromDB wraps an already open database handle.
func NewFromDB(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		conn: &conn{q: db, dialect: dialect},
		db:   db,
		cfg:  Config{Driver: dialect},
	}
}

// Init opens the database connection and configures the pool.
func (s *SQLStore) Init(ctx context.Context) error {
	var (
		db  *sql.DB
		err error
	)

	switch s.cfg.Driver {
	case DialectPostgres:
		db, err = sql.Open("postgres", s.cfg.DSN)
	default:
		db, err = sql.Open("sqlite", sqliteDSN(s.cfg.Path))
	}
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.conn = &conn{q: db, dialect: s.cfg.Driver}
	return nil
}

// sqliteDSN enables foreign keys, WAL and immediate write locks on every pooled connection.
func sqliteDSN(path string) string {
	return "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate" +
		"&_time_format=sqlite"
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.cfg.Driver
}

// Migrate runs the embedded migrations for the store's dialect.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(s.cfg.Driver))
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch s.cfg.Driver {
	case DialectPostgres:
		driver, derr := pgmigrate.WithInstance(s.db, &pgmigrate.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create database driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	default:
		driver, derr := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create database driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{conn: &conn{q: sqlTx, dialect: s.conn.dialect}, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// Stats returns database statistics.
func (s *SQLStore) Stats() sql.DBStats {
	return s.db.Stats()
}

// Backup writes a consistent copy of a SQLite database to path while the
// store stays online. PostgreSQL deployments use pg_dump instead.
func (s *SQLStore) Backup(ctx context.Context, path string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if s.cfg.Driver != DialectSQLite {
		return fmt.Errorf("backup is only supported for sqlite, got %s", s.cfg.Driver)
	}
	if path == "" {
		return fmt.Errorf("backup path is required")
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *conn) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// isUniqueViolation reports whether err is a unique or primary key constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}

// nullString maps the empty string to NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullInt64 maps zero to NULL.
func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

// utc normalizes stored instants.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// utcPtr normalizes an optional instant.
func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// pageClause appends LIMIT/OFFSET.
func pageClause(limit, offset int) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}
