package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"
)

func TestIMAPReceiverGetMails(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{11, 12},
		bodies: map[imap.UID][]byte{
			11: []byte("first"),
			12: []byte("second"),
		},
		internalDate: map[imap.UID]time.Time{
			11: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
	now := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	r := NewIMAPReceiver(testIMAPAccount("imaps"),
		WithIMAPClock(func() time.Time { return now }),
		withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) { return client, nil }),
	)
	require.NoError(t, r.Connect(context.Background()))

	msgs, err := r.GetMails(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "INBOX", client.selected)
	require.Equal(t, "11", msgs[0].UID)
	require.Equal(t, "imap", msgs[0].Connector)
	require.Equal(t, "agent@mail.example:11", msgs[0].RemoteID)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), msgs[0].ReceivedAt)
	require.Equal(t, now, msgs[1].ReceivedAt)
	require.Equal(t, []byte("second"), msgs[1].Raw)
	require.Equal(t, "INBOX", msgs[1].Metadata["imap_folder"])

	require.Equal(t, 1, client.storeCalls)
	require.Equal(t, []imap.Flag{imap.FlagSeen}, client.storeFlags)
	require.Zero(t, client.expungeCalls)
	require.Equal(t, []imap.Flag{imap.FlagSeen}, client.searchCriteria.NotFlag)

	require.NoError(t, r.Close())
	require.Equal(t, 1, client.logoutCalls)
	require.True(t, client.closed)
	require.NoError(t, r.Close())
}

func TestIMAPReceiverDeleteExpunges(t *testing.T) {
	client := &fakeIMAPClient{
		uids:   []imap.UID{5},
		bodies: map[imap.UID][]byte{5: []byte("body")},
	}
	r := NewIMAPReceiver(testIMAPAccount("imap"),
		withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) { return client, nil }),
	)
	require.NoError(t, r.Connect(context.Background()))

	msgs, err := r.GetMails(context.Background(), Query{Filter: "ALL", Mailbox: "Archive", Delete: true})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "Archive", client.selected)
	require.ElementsMatch(t, []imap.Flag{imap.FlagSeen, imap.FlagDeleted}, client.storeFlags)
	require.Equal(t, 1, client.expungeCalls)
}

func TestIMAPReceiverEmptyMailbox(t *testing.T) {
	client := &fakeIMAPClient{}
	r := NewIMAPReceiver(testIMAPAccount("imap"),
		withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) { return client, nil }),
	)
	require.NoError(t, r.Connect(context.Background()))
	msgs, err := r.GetMails(context.Background(), Query{})
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Zero(t, client.storeCalls)
}

func TestIMAPReceiverRequiresConnect(t *testing.T) {
	r := NewIMAPReceiver(testIMAPAccount("imap"))
	_, err := r.GetMails(context.Background(), Query{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestIMAPReceiverValidation(t *testing.T) {
	cases := []Account{
		{Type: "imap", Host: "h", Password: []byte("pw")},
		{Type: "imap", Host: "h", Username: "user"},
		{Type: "pop3", Host: "h", Username: "user", Password: []byte("pw")},
	}
	for _, acc := range cases {
		r := NewIMAPReceiver(acc, withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) {
			return &fakeIMAPClient{}, nil
		}))
		require.Error(t, r.Connect(context.Background()), "account %+v", acc)
	}
}

func TestIMAPReceiverConnectionErrors(t *testing.T) {
	acc := testIMAPAccount("imap")

	r := NewIMAPReceiver(acc, withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) {
		return nil, errors.New("dial failed")
	}))
	err := r.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorContains(t, err, "imap connect")

	bad := &fakeIMAPClient{loginErr: errors.New("bad creds")}
	r = NewIMAPReceiver(acc, withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) {
		return bad, nil
	}))
	err = r.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorContains(t, err, "imap auth")
	require.True(t, bad.closed)

	r = NewIMAPReceiver(acc, withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) {
		return &fakeIMAPClient{selectErr: errors.New("no such mailbox")}, nil
	}))
	require.NoError(t, r.Connect(context.Background()))
	_, err = r.GetMails(context.Background(), Query{Mailbox: "Nope"})
	require.ErrorContains(t, err, "imap select Nope")
}

func TestIMAPReceiverRejectsBadFilter(t *testing.T) {
	r := NewIMAPReceiver(testIMAPAccount("imap"),
		withIMAPClientFactory(func(Account, *imapclient.Options) (imapClient, error) { return &fakeIMAPClient{}, nil }),
	)
	require.NoError(t, r.Connect(context.Background()))
	_, err := r.GetMails(context.Background(), Query{Filter: "(RECENT)"})
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSupportsIMAPPreds(t *testing.T) {
	require.True(t, supportsIMAP("imap_tls"))
	require.True(t, supportsIMAP("IMAPTLS"))
	require.False(t, supportsIMAP("pop3"))
	require.True(t, useIMAPTLS("imaps"))
	require.True(t, useIMAPTLS("IMAPTLS"))
	require.False(t, useIMAPTLS("imap"))
}

func TestIMAPIdleSessionEvents(t *testing.T) {
	client := &fakeIMAPClient{}
	var opts *imapclient.Options
	settings := defaultIMAPSettings()
	settings.newClient = func(_ Account, o *imapclient.Options) (imapClient, error) {
		opts = o
		return client, nil
	}
	sess, err := openIMAPIdleSession(context.Background(), testIMAPAccount("imap"), settings)
	require.NoError(t, err)
	require.NotNil(t, opts.UnilateralDataHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sess.Idle("T1"))
	require.Error(t, sess.Idle("T2"))

	n := uint32(3)
	opts.UnilateralDataHandler.Mailbox(&imapclient.UnilateralDataMailbox{NumMessages: &n})
	ev, err := sess.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, EventExists, ev.Kind)
	require.Equal(t, uint32(3), ev.Count)

	require.NoError(t, sess.Done("stale"))
	require.NoError(t, sess.Done("T1"))
	ev, err = sess.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, IdleEvent{Kind: EventIdleDone, Tag: "T1"}, ev)

	// the server hanging up mid-IDLE reads as a bye, not a failure
	require.NoError(t, sess.Idle("T3"))
	client.idleCmds[1].drop(fmt.Errorf("imapclient: %w", io.ErrUnexpectedEOF))
	ev, err = sess.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, IdleEvent{Kind: EventBye}, ev)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	require.True(t, client.closed)
}

func TestIMAPIdleSessionDropsArrivalsAlreadyDrained(t *testing.T) {
	client := &fakeIMAPClient{
		uids:        []imap.UID{1, 2},
		bodies:      map[imap.UID][]byte{1: []byte("one"), 2: []byte("two")},
		numMessages: 1,
	}
	var opts *imapclient.Options
	settings := defaultIMAPSettings()
	settings.newClient = func(_ Account, o *imapclient.Options) (imapClient, error) {
		opts = o
		return client, nil
	}
	sess, err := openIMAPIdleSession(context.Background(), testIMAPAccount("imap"), settings)
	require.NoError(t, err)
	defer sess.Close()
	exists := func(n uint32) {
		opts.UnilateralDataHandler.Mailbox(&imapclient.UnilateralDataMailbox{NumMessages: &n})
	}

	ctx := context.Background()
	require.NoError(t, sess.Select(ctx, "INBOX"))

	// the second message lands before the search runs, so the drain takes it
	exists(2)
	msgs, err := sess.Drain(ctx, Query{Mailbox: "INBOX"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, sess.Idle("T1"))
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = sess.Next(short)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, sess.Done("T1"))
	ev, err := sess.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, IdleEvent{Kind: EventIdleDone, Tag: "T1"}, ev)

	// a third message lands after the search, so it must still wake the IDLE
	client.onFetch = func() { exists(3) }
	_, err = sess.Drain(ctx, Query{Mailbox: "INBOX"})
	require.NoError(t, err)
	require.NoError(t, sess.Idle("T2"))
	ev, err = sess.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, IdleEvent{Kind: EventExists, Count: 3}, ev)
}

func TestIMAPIdleSessionPeerClosedIsEOF(t *testing.T) {
	client := &fakeIMAPClient{selectErr: io.ErrUnexpectedEOF}
	settings := defaultIMAPSettings()
	settings.newClient = func(Account, *imapclient.Options) (imapClient, error) { return client, nil }
	sess, err := openIMAPIdleSession(context.Background(), testIMAPAccount("imap"), settings)
	require.NoError(t, err)
	defer sess.Close()

	err = sess.Select(context.Background(), "INBOX")
	require.ErrorIs(t, err, io.EOF)

	client.selectErr = nil
	client.searchErr = errors.New("BAD search")
	_, err = sess.Drain(context.Background(), Query{Mailbox: "INBOX"})
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)

	client.searchErr = fmt.Errorf("read: %w", net.ErrClosed)
	_, err = sess.Drain(context.Background(), Query{Mailbox: "INBOX"})
	require.ErrorIs(t, err, io.EOF)
}

func TestIMAPIdleSessionRequiresIdleCapableClient(t *testing.T) {
	settings := defaultIMAPSettings()
	settings.newClient = func(Account, *imapclient.Options) (imapClient, error) {
		return plainIMAPClient{&fakeIMAPClient{}}, nil
	}
	_, err := openIMAPIdleSession(context.Background(), testIMAPAccount("imap"), settings)
	require.ErrorIs(t, err, ErrConnection)
}

func testIMAPAccount(kind string) Account {
	return Account{Name: "support", Type: kind, Host: "mail.example", Username: "agent", Password: []byte("secret")}
}

// plainIMAPClient hides the idle methods of the fake.
type plainIMAPClient struct{ imapClient }

type fakeIMAPClient struct {
	uids         []imap.UID
	bodies       map[imap.UID][]byte
	internalDate map[imap.UID]time.Time

	loginErr   error
	selectErr  error
	searchErr  error
	fetchErr   error
	storeErr   error
	expungeErr error
	logoutErr  error

	selected       string
	searchCriteria *imap.SearchCriteria
	storeFlags     []imap.Flag
	storeCalls     int
	expungeCalls   int
	logoutCalls    int
	closed         bool
	numMessages    uint32
	idleCmds       []*fakeIdleCommand
	onFetch        func()
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{err: c.logoutErr}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Select(mailbox string, _ *imap.SelectOptions) selectWaiter {
	c.selected = mailbox
	return &fakeSelect{err: c.selectErr, data: &imap.SelectData{NumMessages: c.numMessages}}
}
func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.searchCriteria = criteria
	data := &imap.SearchData{All: imap.UIDSetNum(c.uids...)}
	return &fakeSearch{err: c.searchErr, data: data}
}
func (c *fakeIMAPClient) Fetch(_ imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	if c.onFetch != nil {
		c.onFetch()
	}
	var bufs []*imapclient.FetchMessageBuffer
	if c.fetchErr == nil {
		for _, uid := range c.uids {
			bufs = append(bufs, &imapclient.FetchMessageBuffer{
				SeqNum:       uint32(uid),
				UID:          uid,
				InternalDate: c.internalDate[uid],
				BodySection: []imapclient.FetchBodySectionBuffer{{
					Section: &imap.FetchItemBodySection{},
					Bytes:   append([]byte(nil), c.bodies[uid]...),
				}},
			})
		}
	}
	return &fakeFetch{err: c.fetchErr, bufs: bufs}
}
func (c *fakeIMAPClient) Store(_ imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.storeCalls++
	if store != nil {
		c.storeFlags = append(c.storeFlags, store.Flags...)
	}
	return &fakeFetch{err: c.storeErr}
}
func (c *fakeIMAPClient) UIDExpunge(_ imap.UIDSet) expungeWaiter {
	c.expungeCalls++
	return &fakeExpunge{err: c.expungeErr}
}
func (c *fakeIMAPClient) Idle() (idleCommand, error) {
	cmd := &fakeIdleCommand{done: make(chan struct{})}
	c.idleCmds = append(c.idleCmds, cmd)
	return cmd, nil
}

type fakeIdleCommand struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (c *fakeIdleCommand) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop ends the command the way imapclient does when the connection goes.
func (c *fakeIdleCommand) drop(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *fakeIdleCommand) Wait() error {
	<-c.done
	return c.err
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct {
	err  error
	data *imap.SelectData
}

func (s *fakeSelect) Wait() (*imap.SelectData, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct{ err error }

func (e *fakeExpunge) Close() error { return e.err }
