// Package mailproc ties a route table, a dispatcher and a pid file into one
// application value.
package mailproc

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/router"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/message"
)

// AppName is the process name and pid file suffix.
const AppName = "mailproc"

// App is a named mail processing application.
type App struct {
	Name       string
	Routes     *router.Table
	Dispatcher *postmaster.Service

	tmpDir   string
	logger   *log.Logger
	pid      *PIDFile
	postOpts []postmaster.Option
}

// Option configures an App.
type Option func(*App)

// WithTmpDir sets the pid file directory; it defaults to os.TempDir().
func WithTmpDir(dir string) Option {
	return func(a *App) {
		if dir != "" {
			a.tmpDir = dir
		}
	}
}

// WithLogger sets the app logger; it is also handed to the dispatcher.
func WithLogger(logger *log.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithDispatcherOptions forwards options to the dispatcher.
func WithDispatcherOptions(opts ...postmaster.Option) Option {
	return func(a *App) { a.postOpts = append(a.postOpts, opts...) }
}

// New builds an App with an empty route table.
func New(name string, opts ...Option) *App {
	a := &App{
		Name:   name,
		Routes: router.NewTable(),
		tmpDir: os.TempDir(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	postOpts := append([]postmaster.Option{postmaster.WithLogger(a.logger)}, a.postOpts...)
	a.Dispatcher = postmaster.NewService(a.Routes, postOpts...)
	return a
}

// Start takes the pid file and renames the process. A failed rename is
// logged and ignored.
func (a *App) Start() error {
	pid, err := AcquirePID(a.tmpDir, a.Name)
	if err != nil {
		return err
	}
	a.pid = pid
	if err := SetProcessName(AppName); err != nil {
		a.logger.Printf("warning: can't set process name: %v", err)
	}
	return nil
}

// Stop releases the pid file.
func (a *App) Stop() error {
	if err := a.pid.Release(); err != nil {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Process parses raw messages and dispatches them as one batch.
func (a *App) Process(ctx context.Context, raws [][]byte, extra map[string]any) error {
	msgs := make([]*message.Message, 0, len(raws))
	for i, raw := range raws {
		m, err := message.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: item %d: %v", postmaster.ErrInvalidMessageType, i, err)
		}
		msgs = append(msgs, m)
	}
	return a.Dispatcher.Run(ctx, msgs, extra)
}

// Watch feeds every batch the watcher delivers into the dispatcher until
// the watcher stops.
func (a *App) Watch(ctx context.Context, w *connector.Watcher, q connector.Query) error {
	return w.Watch(ctx, q, func(ctx context.Context, batch []*connector.FetchedMessage) {
		if err := a.Dispatcher.RunFetched(ctx, batch, nil); err != nil {
			a.logger.Printf("mailproc: dispatch batch of %d: %v", len(batch), err)
		}
	})
}
