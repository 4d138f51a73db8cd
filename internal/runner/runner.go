package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner manages and executes scheduled background tasks
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   *log.Logger
	wg       sync.WaitGroup
	signals  bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger replaces the default "[RUNNER] " stdout logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSignals controls whether SIGINT and SIGTERM stop the runner. It is on
// by default.
func WithSignals(enabled bool) Option {
	return func(r *Runner) { r.signals = enabled }
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, opts ...Option) *Runner {
	r := &Runner{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
		logger:   log.New(os.Stdout, "[RUNNER] ", log.LstdFlags),
		signals:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules every registered task and blocks until ctx is done or a
// shutdown signal arrives.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Println("Starting task runner...")

	for _, name := range r.registry.Names() {
		task, _ := r.registry.Get(name)
		r.logger.Printf("Registering task: %s with schedule: %s", name, task.Schedule())

		_, err := r.cron.AddFunc(task.Schedule(), func() {
			r.executeTask(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}

	r.cron.Start()
	r.logger.Println("Task runner started successfully")

	return r.waitForShutdown(ctx)
}

// RunOnce executes the named task immediately, outside the schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	r.logger.Printf("Executing task: %s", task.Name())

	start := time.Now()
	err := task.Run(taskCtx)
	duration := time.Since(start)

	if err != nil {
		r.logger.Printf("Task %s failed after %v: %v", task.Name(), duration, err)
	} else {
		r.logger.Printf("Task %s completed successfully in %v", task.Name(), duration)
	}
	return err
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.logger.Println("Stopping task runner...")

	// Stop accepting new tasks
	ctx := r.cron.Stop()

	// Wait for running tasks to complete
	r.wg.Wait()

	r.logger.Println("Task runner stopped")
	<-ctx.Done()
}

// waitForShutdown waits for termination signals
func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	if r.signals {
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
	}

	select {
	case sig := <-sigChan:
		r.logger.Printf("Received signal: %v", sig)
		r.Stop()
		return nil
	case <-ctx.Done():
		r.logger.Println("Context cancelled")
		r.Stop()
		return ctx.Err()
	}
}
