package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileReceiver reads *.eml files from a directory. It stands in for a mail
// server in tests and local development.
type FileReceiver struct {
	dir string
	now func() time.Time

	mu        sync.Mutex
	connected bool
	seen      map[string]bool
}

// FileOption customizes a FileReceiver.
type FileOption func(*FileReceiver)

// WithFileClock overrides the wall clock used when file times are missing.
func WithFileClock(now func() time.Time) FileOption {
	return func(r *FileReceiver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewFileReceiver reads from account.Mailbox.
func NewFileReceiver(account Account, opts ...FileOption) *FileReceiver {
	r := &FileReceiver{
		dir:  account.Mailbox,
		now:  func() time.Time { return time.Now().UTC() },
		seen: map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the connector identifier.
func (r *FileReceiver) Name() string {
	return "file"
}

// Connect checks that the inbox directory exists.
func (r *FileReceiver) Connect(ctx context.Context) error {
	if r.dir == "" {
		return fmt.Errorf("%w: file receiver has no directory", ErrConnection)
	}
	info, err := os.Stat(r.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrConnection, r.dir)
	}
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// GetMails reads *.eml files in name order. q.Mailbox other than INBOX is a
// subdirectory. Files already returned are skipped under UNSEEN, and removed
// when q.Delete is set.
func (r *FileReceiver) GetMails(ctx context.Context, q Query) ([]*FetchedMessage, error) {
	q = q.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil, ErrNotConnected
	}
	unseenOnly, err := unseenFilter("file", q.Filter)
	if err != nil {
		return nil, err
	}
	dir := r.dir
	if !strings.EqualFold(q.Mailbox, DefaultMailbox) {
		dir = filepath.Join(r.dir, q.Mailbox)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.eml"))
	if err != nil {
		return nil, fmt.Errorf("file glob: %w", err)
	}
	sort.Strings(paths)

	var msgs []*FetchedMessage
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if unseenOnly && r.seen[path] {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("file read %s: %w", path, err)
		}
		received := r.now()
		if info, err := os.Stat(path); err == nil {
			received = info.ModTime().UTC()
		}
		name := filepath.Base(path)
		msgs = append(msgs, &FetchedMessage{
			Connector:  r.Name(),
			UID:        name,
			RemoteID:   "file:" + path,
			ReceivedAt: received,
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata:   map[string]string{"file_path": path},
		})
		r.seen[path] = true
		if q.Delete {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("file delete %s: %w", path, err)
			}
			delete(r.seen, path)
		}
	}
	return msgs, nil
}

// Close is a no-op besides forgetting the connected state.
func (r *FileReceiver) Close() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return nil
}
