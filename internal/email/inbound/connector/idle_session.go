package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/emersion/go-imap/v2/imapclient"
)

type idleCommand interface {
	Close() error
	Wait() error
}

type idleClient interface {
	imapClient
	Idle() (idleCommand, error)
}

// imapIdleSession adapts an imapclient connection to IdleSession. Unilateral
// EXISTS data and command completions are funnelled into one event queue.
type imapIdleSession struct {
	client idleClient
	src    pullSource
	events chan IdleEvent
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	idle      idleCommand
	tag       string

	// size mirrors the selected mailbox's message count. seen is the count
	// the last drain searched, so EXISTS at or below it is old news.
	sizeMu  sync.Mutex
	size    uint32
	seen    uint32
	drained bool
}

func openIMAPIdleSession(ctx context.Context, account Account, s imapSettings) (IdleSession, error) {
	sess := &imapIdleSession{
		src:    pullSource{account: account, connector: "imap-idle", now: s.now},
		events: make(chan IdleEvent, 16),
		done:   make(chan struct{}),
	}
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					sess.exists(*data.NumMessages)
				}
			},
			Expunge: func(seqNum uint32) {
				sess.expunged(seqNum)
			},
		},
	}

	factory := s.newClient
	if factory == nil {
		factory = func(a Account, o *imapclient.Options) (imapClient, error) {
			c, err := dialIMAPClient(a, s.dialTimeout, o)
			if err != nil {
				return nil, err
			}
			return &imapClientWrapper{Client: c}, nil
		}
	}
	client, err := dialIMAP(ctx, account, factory, opts)
	if err != nil {
		return nil, err
	}
	ic, ok := client.(idleClient)
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("%w: imap client cannot idle", ErrConnection)
	}
	sess.client = ic
	return sess, nil
}

func (s *imapIdleSession) Select(_ context.Context, mailbox string) error {
	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		return peerClosed(fmt.Errorf("imap select %s: %w", mailbox, err))
	}
	s.sizeMu.Lock()
	if data != nil {
		s.size = data.NumMessages
	}
	s.drained = false
	s.sizeMu.Unlock()
	return nil
}

func (s *imapIdleSession) Drain(ctx context.Context, q Query) ([]*FetchedMessage, error) {
	s.sizeMu.Lock()
	s.seen, s.drained = s.size, true
	s.sizeMu.Unlock()

	msgs, err := pullSelected(ctx, s.client, q, s.src)
	if err != nil {
		return nil, peerClosed(err)
	}
	if q.Delete && len(msgs) > 0 {
		// our own EXPUNGE responses bypass the unilateral handler
		s.sizeMu.Lock()
		n := uint32(len(msgs))
		s.size = subFloor(s.size, n)
		s.seen = subFloor(s.seen, n)
		s.sizeMu.Unlock()
	}
	return msgs, nil
}

func (s *imapIdleSession) Idle(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		return fmt.Errorf("imap idle: %s still active", s.tag)
	}

	s.sizeMu.Lock()
	seen, drained := s.seen, s.drained
	s.drained = false
	s.sizeMu.Unlock()
	if drained {
		s.dropCovered(seen)
	}

	cmd, err := s.client.Idle()
	if err != nil {
		return peerClosed(fmt.Errorf("imap idle: %w", err))
	}
	s.idle, s.tag = cmd, tag
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.idle == cmd {
			s.idle = nil
		}
		s.mu.Unlock()
		if isPeerClosed(err) {
			s.deliver(IdleEvent{Kind: EventBye})
			return
		}
		s.deliver(IdleEvent{Kind: EventIdleDone, Tag: tag, Err: err})
	}()
	return nil
}

func (s *imapIdleSession) Done(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle == nil || s.tag != tag {
		return nil
	}
	cmd := s.idle
	s.idle = nil
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap idle done: %w", err)
	}
	return nil
}

func (s *imapIdleSession) Next(ctx context.Context) (IdleEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return IdleEvent{}, io.EOF
	case <-ctx.Done():
		return IdleEvent{}, ctx.Err()
	}
}

func (s *imapIdleSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		cmd := s.idle
		s.idle = nil
		s.mu.Unlock()
		if cmd != nil {
			_ = cmd.Close()
		}
		if cerr := s.client.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("imap close: %w", cerr)
		}
	})
	return err
}

func (s *imapIdleSession) exists(count uint32) {
	s.sizeMu.Lock()
	s.size = count
	s.sizeMu.Unlock()
	s.offer(IdleEvent{Kind: EventExists, Count: count})
}

func (s *imapIdleSession) expunged(seqNum uint32) {
	s.sizeMu.Lock()
	s.size = subFloor(s.size, 1)
	if seqNum <= s.seen {
		s.seen = subFloor(s.seen, 1)
	}
	s.sizeMu.Unlock()
	s.offer(IdleEvent{Kind: EventOther})
}

// dropCovered discards queued arrivals the last drain already pulled so the
// next IDLE does not end straight away on old news.
func (s *imapIdleSession) dropCovered(seen uint32) {
	var keep []IdleEvent
scan:
	for {
		select {
		case ev := <-s.events:
			switch {
			case ev.Kind == EventOther:
			case ev.Kind == EventExists && ev.Count <= seen:
			default:
				keep = append(keep, ev)
			}
		default:
			break scan
		}
	}
	for _, ev := range keep {
		s.offer(ev)
	}
}

// offer drops the event when the queue is full. Arrival notifications are
// level-triggered, so one queued EXISTS is as good as many.
func (s *imapIdleSession) offer(ev IdleEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *imapIdleSession) deliver(ev IdleEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// isPeerClosed reports whether err means the server went away. imapclient
// fails pending commands with io.ErrUnexpectedEOF once the connection ends,
// whether or not a BYE came first.
func isPeerClosed(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

// peerClosed maps a dropped connection to io.EOF so the watcher ends cleanly.
func peerClosed(err error) error {
	if isPeerClosed(err) {
		return fmt.Errorf("%w: %v", io.EOF, err)
	}
	return err
}

func subFloor(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}
