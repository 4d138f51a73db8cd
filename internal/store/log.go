package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LogEntry is one row of the activity log.
type LogEntry struct {
	ID        int64     `db:"id"`
	Source    string    `db:"source"`
	Label     string    `db:"label"`
	Value     string    `db:"value"`
	CreatedAt time.Time `db:"created_at"`
}

// LogFilter narrows Logs. Zero fields match everything.
type LogFilter struct {
	Source string
	Label  string
	Limit  int
}

const defaultLogLimit = 100

// AddLog appends an entry stamped with the current time.
func (s *Store) AddLog(ctx context.Context, source, label, value string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO mailproc_log (source, label, value, created_at) VALUES (?, ?, ?, ?)`),
		source, label, value, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add log %s/%s: %w", source, label, err)
	}
	return nil
}

// Logs returns matching entries, newest first.
func (s *Store) Logs(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Label != "" {
		where = append(where, "label = ?")
		args = append(args, f.Label)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}

	query := `SELECT id, source, label, value, created_at FROM mailproc_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var entries []LogEntry
	if err := s.db.SelectContext(ctx, &entries, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return entries, nil
}
