// Package store persists settings and an append-only activity log in a SQL
// database. Queries are written with ? placeholders and rebound per driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// ErrUnsupportedDriver is returned for drivers without a schema.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Store wraps a sqlx handle bound to one driver.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects using driver and dsn and pings the database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	driver = normalizeDriver(driver)
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, driver: driver, now: time.Now}, nil
}

// New wraps an existing connection, e.g. one from sqlmock.
func New(db *sql.DB, driver string) *Store {
	driver = normalizeDriver(driver)
	return &Store{db: sqlx.NewDb(db, driver), driver: driver, now: time.Now}
}

func normalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "", "sqlite":
		return DriverSQLite
	case "postgresql", "pgx":
		return DriverPostgres
	default:
		return d
	}
}

// Driver returns the normalized driver name.
func (s *Store) Driver() string { return s.driver }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}
