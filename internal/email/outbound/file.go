package outbound

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileSender writes composed drafts into an outbox directory, one .eml per
// message. It is meant for development and tests.
type FileSender struct {
	dir    string
	logger *log.Logger
	now    func() time.Time
}

// FileOption configures a FileSender.
type FileOption func(*FileSender)

// WithFileLogger sets the SEND log destination.
func WithFileLogger(logger *log.Logger) FileOption {
	return func(s *FileSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFileClock overrides the clock used for file names.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileSender) { s.now = now }
}

// NewFileSender creates dir if needed.
func NewFileSender(dir string, opts ...FileOption) (*FileSender, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file sender: outbox directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("file sender: %w", err)
	}
	s := &FileSender{dir: dir, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileSender) Name() string { return "file" }

// Send writes d and logs the outcome.
func (s *FileSender) Send(ctx context.Context, d Draft) error {
	_, err := s.write(ctx, d)
	logSend(s.logger, d, err)
	return err
}

// Write is Send returning the path of the written file.
func (s *FileSender) Write(ctx context.Context, d Draft) (string, error) {
	path, err := s.write(ctx, d)
	logSend(s.logger, d, err)
	return path, err
}

func (s *FileSender) write(ctx context.Context, d Draft) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now()
	raw, err := composeAt(d, now)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, outboxName(now))
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return "", fmt.Errorf("file sender: %w", err)
	}
	return path, nil
}

func outboxName(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return now.Format("2006-01-02_15:04:05.000000") + "_" + suffix + ".eml"
}
