package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherArrivalThenBye(t *testing.T) {
	arrived := &FetchedMessage{UID: "1"}
	sess := newFakeIdleSession()
	sess.drains = [][]*FetchedMessage{nil, {arrived}}
	sess.onIdle = map[int][]fakeIdleStep{
		1: {{ev: IdleEvent{Kind: EventExists, Count: 1}}},
		2: {{ev: IdleEvent{Kind: EventBye}}},
	}
	w := newTestWatcher(sess, WithIdleTimeout(time.Hour))

	var batches [][]*FetchedMessage
	err := w.Watch(context.Background(), Query{}, func(_ context.Context, msgs []*FetchedMessage) {
		batches = append(batches, msgs)
	})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Same(t, arrived, batches[0][0])
	require.Equal(t, []string{"select:INBOX", "drain", "idle:I1", "done:I1", "drain", "idle:I2"}, sess.opsUntilClose())
	require.True(t, sess.isClosed())
}

// An arrival whose drain comes back empty, e.g. mail another client already
// read, runs a drain cycle but no callback.
func TestWatcherSkipsCallbackForEmptyDrains(t *testing.T) {
	sess := newFakeIdleSession()
	sess.drains = [][]*FetchedMessage{nil, nil}
	sess.onIdle = map[int][]fakeIdleStep{
		1: {{ev: IdleEvent{Kind: EventExists, Count: 4}}},
		2: {{ev: IdleEvent{Kind: EventBye}}},
	}
	w := newTestWatcher(sess, WithIdleTimeout(time.Hour))

	calls := 0
	err := w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) { calls++ })
	require.NoError(t, err)
	require.Zero(t, calls)
	require.Equal(t, 2, sess.countOp("drain"))
}

func TestWatcherTimeoutDrainsWhenNotLooping(t *testing.T) {
	late := &FetchedMessage{UID: "7"}
	sess := newFakeIdleSession()
	sess.drains = [][]*FetchedMessage{nil, {late}}
	w := newTestWatcher(sess, WithIdleTimeout(20*time.Millisecond), WithIdleLoop(false))

	var (
		mu    sync.Mutex
		calls int
	)
	result := make(chan error, 1)
	go func() {
		result <- w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}()

	sess.waitForIdle(t, 2)
	require.NoError(t, w.Close())
	require.NoError(t, waitResult(t, result))

	ops := sess.allOps()
	require.GreaterOrEqual(t, len(ops), 6)
	require.Equal(t, []string{"select:INBOX", "drain", "idle:I1", "done:I1", "drain", "idle:I2"}, ops[:6])
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestWatcherTimeoutReidlesWhenLooping(t *testing.T) {
	sess := newFakeIdleSession()
	var wakes []string
	w := newTestWatcher(sess,
		WithIdleTimeout(20*time.Millisecond),
		WithWakeHook(func(reason string) { wakes = append(wakes, reason) }),
	)

	result := make(chan error, 1)
	go func() {
		result <- w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) {
			t.Error("no batch expected")
		})
	}()

	sess.waitForIdle(t, 2)
	require.NoError(t, w.Close())
	require.NoError(t, waitResult(t, result))
	require.Equal(t, []string{"select:INBOX", "drain", "idle:I1", "done:I1", "idle:I2"}, sess.allOps()[:5])
	require.Contains(t, wakes, "timeout")
}

func TestWatcherIgnoresUnknownAndStaleEvents(t *testing.T) {
	sess := newFakeIdleSession()
	sess.onIdle = map[int][]fakeIdleStep{
		1: {
			{ev: IdleEvent{Kind: EventOther}},
			{ev: IdleEvent{Kind: EventIdleDone, Tag: "I0"}},
			{ev: IdleEvent{Kind: EventBye}},
		},
	}
	w := newTestWatcher(sess, WithIdleTimeout(time.Hour))

	err := w.Watch(context.Background(), Query{Mailbox: "Support"}, func(context.Context, []*FetchedMessage) {})
	require.NoError(t, err)
	require.Equal(t, []string{"select:Support", "drain", "idle:I1"}, sess.opsUntilClose())
}

func TestWatcherReadErrorEndsWatch(t *testing.T) {
	sess := newFakeIdleSession()
	sess.onIdle = map[int][]fakeIdleStep{
		1: {{err: errors.New("connection reset by peer")}},
	}
	w := newTestWatcher(sess, WithIdleTimeout(time.Hour))

	err := w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) {})
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorContains(t, err, "connection reset by peer")
	require.True(t, sess.isClosed())
}

func TestWatcherEOFIsNormalClose(t *testing.T) {
	sess := newFakeIdleSession()
	sess.onIdle = map[int][]fakeIdleStep{1: {{err: io.EOF}}}
	w := newTestWatcher(sess, WithIdleTimeout(time.Hour))

	require.NoError(t, w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) {}))
}

func TestWatcherLateTimerErrorSwallowed(t *testing.T) {
	sess := newFakeIdleSession()
	sess.doneErr = errors.New("write on closed connection")
	w := newTestWatcher(sess, WithIdleTimeout(10*time.Millisecond))

	result := make(chan error, 1)
	go func() {
		result <- w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) {})
	}()

	sess.waitForIdle(t, 1)
	require.Eventually(t, func() bool { return sess.countOp("done:I1") > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Close())
	require.NoError(t, waitResult(t, result))
}

func TestWatcherTimerStoppedOnClose(t *testing.T) {
	sess := newFakeIdleSession()
	w := newTestWatcher(sess, WithIdleTimeout(30*time.Millisecond))

	result := make(chan error, 1)
	go func() {
		result <- w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) {})
	}()
	sess.waitForIdle(t, 1)
	require.NoError(t, w.Close())
	require.NoError(t, waitResult(t, result))

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, sess.countOp("done:I1"))
}

func TestWatcherContextCancel(t *testing.T) {
	sess := newFakeIdleSession()
	w := newTestWatcher(sess, WithIdleTimeout(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		result <- w.Watch(ctx, Query{}, func(context.Context, []*FetchedMessage) {})
	}()
	sess.waitForIdle(t, 1)
	cancel()
	require.ErrorIs(t, waitResult(t, result), context.Canceled)
	require.True(t, sess.isClosed())
}

func TestWatcherConnectFailure(t *testing.T) {
	w := NewSessionWatcher(func(context.Context) (IdleSession, error) {
		return nil, errors.New("tls handshake failed")
	})
	err := w.Watch(context.Background(), Query{}, func(context.Context, []*FetchedMessage) {})
	require.ErrorIs(t, err, ErrConnection)
}

func TestWatcherClosedCannotReconnect(t *testing.T) {
	w := newTestWatcher(newFakeIdleSession())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Connect(context.Background()), ErrWatcherClosed)
}

func TestWatcherGetMails(t *testing.T) {
	sess := newFakeIdleSession()
	sess.drains = [][]*FetchedMessage{{{UID: "3"}}}
	w := newTestWatcher(sess)

	_, err := w.GetMails(context.Background(), Query{})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, w.Connect(context.Background()))
	msgs, err := w.GetMails(context.Background(), Query{Mailbox: "Sales"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []string{"select:Sales", "drain"}, sess.allOps())
	require.Equal(t, "imap-idle", w.Name())
}

func newTestWatcher(sess *fakeIdleSession, opts ...WatcherOption) *Watcher {
	n := 0
	opts = append(opts, withTagGenerator(func() string {
		n++
		return fmt.Sprintf("I%d", n)
	}))
	return NewSessionWatcher(func(context.Context) (IdleSession, error) { return sess, nil }, opts...)
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return")
		return nil
	}
}

type fakeIdleStep struct {
	ev  IdleEvent
	err error
}

// fakeIdleSession scripts server behavior per IDLE command. Done on the
// active tag completes it, as a real server answers DONE.
type fakeIdleSession struct {
	mu       sync.Mutex
	ops      []string
	drains   [][]*FetchedMessage
	onIdle   map[int][]fakeIdleStep
	doneErr  error
	active   string
	idles    int
	closedAt int

	steps  chan fakeIdleStep
	idled  chan int
	closed chan struct{}
	once   sync.Once
}

func newFakeIdleSession() *fakeIdleSession {
	return &fakeIdleSession{
		steps:    make(chan fakeIdleStep, 32),
		idled:    make(chan int, 32),
		closed:   make(chan struct{}),
		closedAt: -1,
	}
}

func (s *fakeIdleSession) record(op string) {
	s.ops = append(s.ops, op)
}

func (s *fakeIdleSession) Select(_ context.Context, mailbox string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("select:" + mailbox)
	return nil
}

func (s *fakeIdleSession) Drain(context.Context, Query) ([]*FetchedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("drain")
	if len(s.drains) == 0 {
		return nil, nil
	}
	next := s.drains[0]
	s.drains = s.drains[1:]
	return next, nil
}

func (s *fakeIdleSession) Idle(tag string) error {
	s.mu.Lock()
	s.record("idle:" + tag)
	s.active = tag
	s.idles++
	n := s.idles
	for _, step := range s.onIdle[n] {
		s.steps <- step
	}
	s.mu.Unlock()
	s.idled <- n
	return nil
}

func (s *fakeIdleSession) Done(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("done:" + tag)
	if s.doneErr != nil {
		return s.doneErr
	}
	if s.active == tag {
		s.active = ""
		s.steps <- fakeIdleStep{ev: IdleEvent{Kind: EventIdleDone, Tag: tag}}
	}
	return nil
}

func (s *fakeIdleSession) Next(ctx context.Context) (IdleEvent, error) {
	select {
	case step := <-s.steps:
		return step.ev, step.err
	case <-s.closed:
		return IdleEvent{}, io.EOF
	case <-ctx.Done():
		return IdleEvent{}, ctx.Err()
	}
}

func (s *fakeIdleSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closedAt = len(s.ops)
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

func (s *fakeIdleSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeIdleSession) allOps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *fakeIdleSession) opsUntilClose() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedAt < 0 {
		return append([]string(nil), s.ops...)
	}
	return append([]string(nil), s.ops[:s.closedAt]...)
}

func (s *fakeIdleSession) countOp(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (s *fakeIdleSession) waitForIdle(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-s.idled:
			if got >= n {
				return
			}
		case <-deadline:
			t.Fatalf("idle #%d never started", n)
		}
	}
}
