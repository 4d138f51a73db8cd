package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/adapter"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/connector"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch an IMAP mailbox with IDLE and dispatch new mail",
	Long: `Watch drains the configured IMAP mailbox, then waits in IDLE and
dispatches every message that arrives. When the server ends the session the
watcher reconnects after --reconnect; zero makes watch exit instead.`,
	RunE: runWatch,
}

var reconnectFlag time.Duration

func init() {
	watchCmd.Flags().DurationVar(&reconnectFlag, "reconnect", 30*time.Second, "Delay before reconnecting after the session ends (0 exits)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger("[WATCH] ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	app, err := svc.newApp(ctx, manifestPath(cfg))
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(); err != nil {
			logger.Printf("stop: %v", err)
		}
	}()

	account, err := adapter.Account(cfg, "imap", svc.secrets)
	if err != nil {
		return err
	}
	query := adapter.Query(cfg, "imap")

	opts := []connector.WatcherOption{
		connector.WithIdleTimeout(cfg.IMAP.IdleTimeout),
		connector.WithIdleLoop(cfg.IMAP.IdleLoop),
		connector.WithWatcherLogger(logger),
		connector.WithWatcherDebug(cfg.DebugEnabled()),
	}
	if svc.metrics != nil {
		opts = append(opts, connector.WithWakeHook(svc.metrics.IdleWake))
	}
	svc.serveMetrics(ctx)

	for {
		w := connector.NewWatcher(account, opts...)
		err := app.Watch(ctx, w, query)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, connector.ErrConnection) {
			return err
		}
		if reconnectFlag <= 0 {
			return err
		}
		if err != nil {
			logger.Printf("watch ended: %v; reconnecting in %s", err, reconnectFlag)
		} else {
			logger.Printf("session closed by server; reconnecting in %s", reconnectFlag)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectFlag):
		}
	}
}
