// Package tasks holds the scheduled jobs run by the mailproc runner.
package tasks

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-mailproc/internal/runner"
)

const (
	// DefaultPollSchedule fetches once a minute.
	DefaultPollSchedule = "*/60 * * * * *"
	// DefaultPollTimeout bounds one fetch and dispatch cycle.
	DefaultPollTimeout = 2 * time.Minute
)

// PollTask fetches a mailbox with a pull receiver and dispatches the batch.
type PollTask struct {
	factory    connector.Factory
	account    connector.Account
	query      connector.Query
	dispatcher *postmaster.Service
	schedule   string
	timeout    time.Duration
	logger     *log.Logger
	onFetched  func(transport string, n int)

	// receiver outlives a single run so flagless transports remember what
	// they already returned under UNSEEN.
	mu       sync.Mutex
	receiver connector.Receiver
}

// PollOption configures a PollTask.
type PollOption func(*PollTask)

// WithPollSchedule overrides DefaultPollSchedule.
func WithPollSchedule(schedule string) PollOption {
	return func(t *PollTask) {
		if schedule != "" {
			t.schedule = schedule
		}
	}
}

// WithPollTimeout overrides DefaultPollTimeout.
func WithPollTimeout(d time.Duration) PollOption {
	return func(t *PollTask) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithPollLogger sets the task logger.
func WithPollLogger(logger *log.Logger) PollOption {
	return func(t *PollTask) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithFetchedHook is called with the batch size after every fetch.
func WithFetchedHook(fn func(transport string, n int)) PollOption {
	return func(t *PollTask) { t.onFetched = fn }
}

// NewPollTask builds a poll task for one account.
func NewPollTask(factory connector.Factory, account connector.Account, query connector.Query, dispatcher *postmaster.Service, opts ...PollOption) runner.Task {
	t := &PollTask{
		factory:    factory,
		account:    account,
		query:      query,
		dispatcher: dispatcher,
		schedule:   DefaultPollSchedule,
		timeout:    DefaultPollTimeout,
		logger:     log.New(log.Writer(), "[POLL] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name
func (t *PollTask) Name() string {
	return "mail-poll"
}

func (t *PollTask) Schedule() string { return t.schedule }

func (t *PollTask) Timeout() time.Duration { return t.timeout }

// Run connects, fetches one batch and dispatches it. The receiver is built on
// the first run and reused after that. It is always closed at the end of a
// run, and a close error is logged rather than returned.
func (t *PollTask) Run(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receiver == nil {
		receiver, err := t.factory.ReceiverFor(t.account)
		if err != nil {
			return err
		}
		t.receiver = receiver
	}
	receiver := t.receiver
	if err := receiver.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := receiver.Close(); err != nil {
			t.logger.Printf("close %s: %v", receiver.Name(), err)
		}
	}()

	msgs, err := receiver.GetMails(ctx, t.query)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", receiver.Name(), err)
	}
	if t.onFetched != nil {
		t.onFetched(receiver.Name(), len(msgs))
	}
	if len(msgs) == 0 {
		return nil
	}
	t.logger.Printf("fetched %d message(s) from %s", len(msgs), receiver.Name())
	return t.dispatcher.RunFetched(ctx, msgs, nil)
}
