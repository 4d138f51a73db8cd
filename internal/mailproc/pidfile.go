package mailproc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// ErrAlreadyRunning is returned when the pid file of an app already exists.
var ErrAlreadyRunning = errors.New("already running")

// PIDFile is a held pid file.
type PIDFile struct {
	path string
}

// PIDPath returns <dir>/<name>-mailproc.pid.
func PIDPath(dir, name string) string {
	return filepath.Join(dir, name+"-"+AppName+".pid")
}

// AcquirePID creates the pid file exclusively and writes the current pid.
func AcquirePID(dir, name string) (*PIDFile, error) {
	path := PIDPath(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s exists", ErrAlreadyRunning, path)
	}
	if err != nil {
		return nil, fmt.Errorf("create pid file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PIDFile{path: path}, nil
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Release removes the file. It is safe to call more than once.
func (p *PIDFile) Release() error {
	if p == nil || p.path == "" {
		return nil
	}
	err := os.Remove(p.path)
	p.path = ""
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
