package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/gotrs-mailproc/internal/cache"
	"github.com/gotrs-io/gotrs-mailproc/internal/config"
	"github.com/gotrs-io/gotrs-mailproc/internal/credential"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/adapter"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/router"
	"github.com/gotrs-io/gotrs-mailproc/internal/mailproc"
	"github.com/gotrs-io/gotrs-mailproc/internal/metrics"
	"github.com/gotrs-io/gotrs-mailproc/internal/store"
)

const (
	tokenHeader  = "X-Mailproc-Token"
	ignoreHeader = "X-Mailproc-Ignore"
)

// services holds the optional backends shared by the commands.
type services struct {
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.Metrics
	store   *store.Store
	secrets adapter.PasswordSource
	closers []func() error
}

func newServices(ctx context.Context, cfg *config.Config, logger *log.Logger) (*services, error) {
	s := &services{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}
	if cfg.Database.Enabled {
		st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		if err := st.Migrate(ctx); err != nil {
			s.close()
			return nil, err
		}
		s.store = st
	}
	if usesKeyring(cfg) {
		resolver, err := credential.Open("")
		if err != nil {
			s.close()
			return nil, err
		}
		s.secrets = resolver
	}
	return s, nil
}

func usesKeyring(cfg *config.Config) bool {
	return cfg.IMAP.CredentialKey != "" || cfg.POP3.CredentialKey != "" || cfg.SMTP.CredentialKey != ""
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Printf("close: %v", err)
		}
	}
	s.closers = nil
}

// deduper returns the redis-backed deduper when redis is enabled and an
// in-process one otherwise.
func (s *services) deduper(ctx context.Context) (filters.Deduper, error) {
	if !s.cfg.Redis.Enabled {
		local := cache.NewLocalDeduper(s.cfg.Redis.DedupeTTL, time.Minute)
		s.closers = append(s.closers, func() error { local.Stop(); return nil })
		return local, nil
	}
	d, err := cache.NewRedisDeduper(ctx, cache.RedisConfig{
		Addr:     s.cfg.Redis.GetRedisAddr(),
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
		TTL:      s.cfg.Redis.DedupeTTL,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, d.Close)
	return d, nil
}

// newApp builds the application with its route table loaded from the
// manifest and the filter chain, recorder and metrics wired in.
func (s *services) newApp(ctx context.Context, manifest string) (*mailproc.App, error) {
	dedupe, err := s.deduper(ctx)
	if err != nil {
		return nil, err
	}
	chain := filters.NewChain(
		filters.NewHeaderTokenFilter(s.logger, tokenHeader).WithIgnoreHeaders(ignoreHeader),
		filters.NewSubjectTokenFilter(s.logger),
		filters.NewDedupeFilter(dedupe, s.logger),
	)
	opts := []postmaster.Option{
		postmaster.WithFilterChain(chain),
		postmaster.WithDebug(s.cfg.DebugEnabled()),
	}
	if s.store != nil {
		opts = append(opts, postmaster.WithRecorder(store.DispatchRecorder{Store: s.store}))
	}
	if s.metrics != nil {
		opts = append(opts, postmaster.WithObserver(s.metrics.ObserveDispatch))
	}

	app := mailproc.New(s.cfg.App.Name,
		mailproc.WithTmpDir(s.cfg.App.TmpDir),
		mailproc.WithLogger(s.logger),
		mailproc.WithDispatcherOptions(opts...),
	)
	if err := loadRoutes(app.Routes, manifest, builtinHandlers(s.logger, s.store)); err != nil {
		return nil, err
	}
	return app, nil
}

func loadRoutes(table *router.Table, manifest string, registry router.HandlerRegistry) error {
	if manifest == "" {
		return errors.New("no route manifest: set routes.manifest or --routes")
	}
	m, err := router.LoadManifest(manifest)
	if err != nil {
		return err
	}
	if err := m.Apply(table, registry); err != nil {
		return fmt.Errorf("%s: %w", manifest, err)
	}
	return nil
}

// serveMetrics starts the metrics listener in the background when enabled.
func (s *services) serveMetrics(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	go func() {
		if err := s.metrics.Serve(ctx, s.cfg.Metrics.Addr, s.cfg.Metrics.Path); err != nil {
			s.logger.Printf("metrics: %v", err)
		}
	}()
}
