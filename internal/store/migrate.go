package store

import (
	"context"
	"fmt"
)

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS mailproc_settings (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailproc_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			label TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS mailproc_settings (
			name VARCHAR(191) PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailproc_log (
			id BIGSERIAL PRIMARY KEY,
			source VARCHAR(64) NOT NULL,
			label VARCHAR(191) NOT NULL,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS mailproc_settings (
			name VARCHAR(191) PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailproc_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			source VARCHAR(64) NOT NULL,
			label VARCHAR(191) NOT NULL,
			value TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL
		)`,
	},
}

// Migrate creates the settings and log tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts, ok := schemas[s.driver]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDriver, s.driver)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
