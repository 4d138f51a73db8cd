package main

import (
	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/adapter"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-mailproc/internal/runner"
	"github.com/gotrs-io/gotrs-mailproc/internal/runner/tasks"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Fetch mail on a cron schedule and dispatch it",
	Long: `Poll fetches the mailbox named by poll.transport (imap, pop3 or file)
on poll.schedule and dispatches every batch. With --once it fetches a single
batch and exits.`,
	RunE: runPoll,
}

var (
	onceFlag      bool
	transportFlag string
)

func init() {
	pollCmd.Flags().BoolVar(&onceFlag, "once", false, "Fetch one batch and exit")
	pollCmd.Flags().StringVar(&transportFlag, "transport", "", "Inbound transport (overrides poll.transport)")
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger("[POLL] ")
	ctx := cmd.Context()

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

	transport := cfg.Poll.Transport
	if transportFlag != "" {
		transport = transportFlag
	}
	account, err := adapter.Account(cfg, transport, svc.secrets)
	if err != nil {
		return err
	}

	opts := []tasks.PollOption{
		tasks.WithPollSchedule(cfg.Poll.Schedule),
		tasks.WithPollTimeout(cfg.Poll.Timeout),
		tasks.WithPollLogger(logger),
	}
	if svc.metrics != nil {
		opts = append(opts, tasks.WithFetchedHook(svc.metrics.Received))
	}
	task := tasks.NewPollTask(connector.DefaultFactory(logger), account, adapter.Query(cfg, transport), app.Dispatcher, opts...)

	registry := runner.NewTaskRegistry()
	registry.Register(task)
	r := runner.NewRunner(registry, runner.WithLogger(newLogger("[RUNNER] ")))

	if onceFlag {
		return r.RunOnce(ctx, task.Name())
	}
	svc.serveMetrics(ctx)
	return r.Start(ctx)
}
