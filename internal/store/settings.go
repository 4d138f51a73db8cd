package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSetting returns the stored value and whether it exists.
func (s *Store) GetSetting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.rebind(`SELECT value FROM mailproc_settings WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", name, err)
	}
	return value, true, nil
}

// SetSetting updates name, inserting it when absent.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.GetContext(ctx, &count, s.rebind(`SELECT COUNT(*) FROM mailproc_settings WHERE name = ?`), name); err != nil {
		return fmt.Errorf("set setting %s: %w", name, err)
	}
	query := `INSERT INTO mailproc_settings (value, name) VALUES (?, ?)`
	if count > 0 {
		query = `UPDATE mailproc_settings SET value = ? WHERE name = ?`
	}
	if _, err := tx.ExecContext(ctx, s.rebind(query), value, name); err != nil {
		return fmt.Errorf("set setting %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set setting %s: %w", name, err)
	}
	return nil
}
