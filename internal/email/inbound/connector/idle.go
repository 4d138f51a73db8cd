package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout re-arms IDLE before the 29 minute server limit and well
// inside common NAT timeouts.
const DefaultIdleTimeout = 8 * time.Minute

// ErrWatcherClosed is returned when a closed watcher is reused.
var ErrWatcherClosed = errors.New("idle watcher closed")

// IdleEventKind classifies what the server pushed while idling.
type IdleEventKind int

const (
	EventOther IdleEventKind = iota
	EventExists
	EventBye
	EventIdleDone
)

func (k IdleEventKind) String() string {
	switch k {
	case EventExists:
		return "exists"
	case EventBye:
		return "bye"
	case EventIdleDone:
		return "idle-done"
	default:
		return "other"
	}
}

// IdleEvent is one server notification.
type IdleEvent struct {
	Kind IdleEventKind
	// Tag identifies the IDLE command an EventIdleDone completes.
	Tag string
	// Count is the mailbox size carried by EventExists.
	Count uint32
	// Err is the completion status of an EventIdleDone.
	Err error
}

// IdleSession is a connection that can long-poll for new mail.
type IdleSession interface {
	Select(ctx context.Context, mailbox string) error
	// Drain pulls from the selected mailbox with GetMails semantics.
	Drain(ctx context.Context, q Query) ([]*FetchedMessage, error)
	// Idle starts an IDLE command identified by tag.
	Idle(tag string) error
	// Done asks the server to end the IDLE identified by tag. Completion is
	// reported later as an EventIdleDone. It may be called from another
	// goroutine while Next is blocked.
	Done(tag string) error
	// Next blocks until the server pushes something. io.EOF means the peer
	// closed the connection.
	Next(ctx context.Context) (IdleEvent, error)
	Close() error
}

// SessionOpener dials and authenticates a new session.
type SessionOpener func(ctx context.Context) (IdleSession, error)

// BatchFunc receives each non-empty batch drained by a Watcher.
type BatchFunc func(ctx context.Context, msgs []*FetchedMessage)

type wakeReason int

const (
	wakeArrival wakeReason = iota
	wakeTimeout
	wakeBye
)

func (r wakeReason) String() string {
	switch r {
	case wakeArrival:
		return "arrival"
	case wakeTimeout:
		return "timeout"
	default:
		return "bye"
	}
}

// Watcher keeps an IMAP connection in IDLE and delivers new mail to a
// callback each time the server reports an arrival or the idle timer fires.
type Watcher struct {
	open    SessionOpener
	timeout time.Duration
	loop    bool
	logger  *log.Logger
	debug   bool
	newTag  func() string
	onWake  func(reason string)
	imap    []IMAPOption

	mu      sync.Mutex
	session IdleSession
	tag     string
	timer   *time.Timer
	closed  bool
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithIdleTimeout sets how long one IDLE lasts before the watcher ends it.
func WithIdleTimeout(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithIdleLoop controls what happens after a timeout: re-idle at once (true)
// or drain the mailbox first (false).
func WithIdleLoop(loop bool) WatcherOption {
	return func(w *Watcher) { w.loop = loop }
}

// WithWatcherLogger overrides the logger.
func WithWatcherLogger(logger *log.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWatcherDebug enables debug lines.
func WithWatcherDebug(debug bool) WatcherOption {
	return func(w *Watcher) { w.debug = debug }
}

// WithWakeHook is called with "arrival" or "timeout" on every wake.
func WithWakeHook(fn func(reason string)) WatcherOption {
	return func(w *Watcher) { w.onWake = fn }
}

// WithIMAPOptions passes options to the IMAP session dialer.
func WithIMAPOptions(opts ...IMAPOption) WatcherOption {
	return func(w *Watcher) { w.imap = append(w.imap, opts...) }
}

func withTagGenerator(fn func() string) WatcherOption {
	return func(w *Watcher) { w.newTag = fn }
}

// NewWatcher returns a watcher that dials account with go-imap.
func NewWatcher(account Account, opts ...WatcherOption) *Watcher {
	w := newWatcher(opts)
	settings := defaultIMAPSettings()
	for _, opt := range w.imap {
		opt(&settings)
	}
	if account.DialTimeout > 0 {
		settings.dialTimeout = account.DialTimeout
	}
	w.open = func(ctx context.Context) (IdleSession, error) {
		return openIMAPIdleSession(ctx, account, settings)
	}
	return w
}

// NewSessionWatcher returns a watcher over sessions produced by open.
func NewSessionWatcher(open SessionOpener, opts ...WatcherOption) *Watcher {
	w := newWatcher(opts)
	w.open = open
	return w
}

func newWatcher(opts []WatcherOption) *Watcher {
	w := &Watcher{
		timeout: DefaultIdleTimeout,
		loop:    true,
		logger:  log.Default(),
		newTag:  func() string { return "I" + strings.ToUpper(uuid.NewString()[:8]) },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the connector identifier.
func (w *Watcher) Name() string { return "imap-idle" }

// Connect opens the session.
func (w *Watcher) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.mu.Unlock()

	session, err := w.open(ctx)
	if err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		_ = session.Close()
		return ErrWatcherClosed
	}
	if w.session != nil {
		_ = w.session.Close()
	}
	w.session = session
	return nil
}

// GetMails performs a single pull without idling.
func (w *Watcher) GetMails(ctx context.Context, q Query) ([]*FetchedMessage, error) {
	session := w.current()
	if session == nil {
		return nil, ErrNotConnected
	}
	q = q.withDefaults()
	if err := session.Select(ctx, q.Mailbox); err != nil {
		return nil, err
	}
	return session.Drain(ctx, q)
}

// Watch drains q.Mailbox once, then idles and drains on every wake until the
// server says bye, the connection fails, ctx ends, or Close is called. A
// server bye or Close returns nil. There is no reconnect.
func (w *Watcher) Watch(ctx context.Context, q Query, cb BatchFunc) error {
	if cb == nil {
		return errors.New("idle watcher requires a callback")
	}
	if w.current() == nil {
		if err := w.Connect(ctx); err != nil {
			return err
		}
	}
	session := w.current()
	if session == nil {
		return ErrWatcherClosed
	}
	defer w.Close()
	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	defer stop()

	q = q.withDefaults()
	if err := session.Select(ctx, q.Mailbox); err != nil {
		return w.terminated(ctx, err)
	}
	if err := w.drain(ctx, session, q, cb); err != nil {
		return w.terminated(ctx, err)
	}

	for {
		tag, err := w.startIdle(session)
		if err != nil {
			return w.terminated(ctx, err)
		}
		reason, err := w.wait(ctx, session, tag)
		if err != nil {
			return w.terminated(ctx, err)
		}
		if reason == wakeBye {
			w.logf("info: imap idle: server closed the connection")
			return nil
		}
		if w.onWake != nil {
			w.onWake(reason.String())
		}
		if reason == wakeTimeout && w.loop {
			w.debugf("imap idle: %s timed out, re-arming", tag)
			continue
		}
		if err := w.drain(ctx, session, q, cb); err != nil {
			return w.terminated(ctx, err)
		}
	}
}

// Close stops the idle timer and closes the session. Later timer firings are
// ignored. Close is idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	session := w.session
	w.session = nil
	w.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

func (w *Watcher) current() IdleSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

func (w *Watcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Watcher) drain(ctx context.Context, session IdleSession, q Query, cb BatchFunc) error {
	msgs, err := session.Drain(ctx, q)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		w.debugf("imap idle: nothing new in %s", q.Mailbox)
		return nil
	}
	w.logf("info: imap idle: delivering %d message(s) from %s", len(msgs), q.Mailbox)
	cb(ctx, msgs)
	return nil
}

func (w *Watcher) startIdle(session IdleSession) (string, error) {
	tag := w.newTag()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return "", io.EOF
	}
	w.tag = tag
	w.mu.Unlock()

	if err := session.Idle(tag); err != nil {
		return "", err
	}
	w.armTimer(session, tag)
	w.debugf("imap idle: %s started", tag)
	return tag, nil
}

// wait blocks until the IDLE identified by tag ends. An arrival is answered
// with DONE and reported once the server acknowledges it.
func (w *Watcher) wait(ctx context.Context, session IdleSession, tag string) (wakeReason, error) {
	doneSent := false
	for {
		ev, err := session.Next(ctx)
		if err != nil {
			w.stopTimer()
			return 0, err
		}
		switch ev.Kind {
		case EventBye:
			w.stopTimer()
			return wakeBye, nil
		case EventExists:
			if doneSent {
				continue
			}
			doneSent = true
			w.stopTimer()
			w.debugf("imap idle: %s new mail (exists %d)", tag, ev.Count)
			if err := session.Done(tag); err != nil {
				return 0, err
			}
		case EventIdleDone:
			if ev.Tag != tag {
				w.debugf("imap idle: ignoring completion of stale %s", ev.Tag)
				continue
			}
			w.stopTimer()
			if ev.Err != nil {
				return 0, fmt.Errorf("imap idle %s: %w", tag, ev.Err)
			}
			if doneSent {
				return wakeArrival, nil
			}
			return wakeTimeout, nil
		default:
			w.debugf("imap idle: ignoring %s event", ev.Kind)
		}
	}
}

func (w *Watcher) armTimer(session IdleSession, tag string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.closed {
		return
	}
	w.timer = time.AfterFunc(w.timeout, func() { w.fireTimeout(session, tag) })
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) fireTimeout(session IdleSession, tag string) {
	w.mu.Lock()
	stale := w.closed || w.tag != tag
	w.mu.Unlock()
	if stale {
		return
	}
	w.debugf("imap idle: %s reached %s timeout", tag, w.timeout)
	if err := session.Done(tag); err != nil {
		w.debugf("imap idle: late timeout for %s ignored: %v", tag, err)
	}
}

func (w *Watcher) terminated(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		w.logf("info: imap idle: stopped: %v", ctxErr)
		return ctxErr
	}
	if errors.Is(err, io.EOF) || w.isClosed() {
		w.logf("info: imap idle: connection closed")
		return nil
	}
	w.logf("info: imap idle: connection lost: %v", err)
	if errors.Is(err, ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

func (w *Watcher) logf(format string, args ...any) {
	if w == nil || w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

func (w *Watcher) debugf(format string, args ...any) {
	if w == nil || !w.debug {
		return
	}
	w.logf("debug: "+format, args...)
}
