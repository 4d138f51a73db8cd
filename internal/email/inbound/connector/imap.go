package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

type imapClientFactory func(Account, *imapclient.Options) (imapClient, error)

// IMAPReceiver pulls messages from an IMAP/IMAPS mailbox.
type IMAPReceiver struct {
	account     Account
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newClient   imapClientFactory

	mu     sync.Mutex
	client imapClient
}

// IMAPOption customizes IMAP receivers and idle watchers.
type IMAPOption func(*imapSettings)

type imapSettings struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newClient   imapClientFactory
}

func defaultIMAPSettings() imapSettings {
	return imapSettings{
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPOption {
	return func(s *imapSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(s *imapSettings) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(s *imapSettings) {
		if now != nil {
			s.now = now
		}
	}
}

func withIMAPClientFactory(factory imapClientFactory) IMAPOption {
	return func(s *imapSettings) {
		s.newClient = factory
	}
}

// NewIMAPReceiver returns an IMAP receiver for account.
func NewIMAPReceiver(account Account, opts ...IMAPOption) *IMAPReceiver {
	s := defaultIMAPSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if account.DialTimeout > 0 {
		s.dialTimeout = account.DialTimeout
	}
	r := &IMAPReceiver{
		account:     account,
		dialTimeout: s.dialTimeout,
		now:         s.now,
		logger:      s.logger,
		newClient:   s.newClient,
	}
	if r.newClient == nil {
		r.newClient = r.defaultClientFactory
	}
	return r
}

// Name returns the connector identifier.
func (r *IMAPReceiver) Name() string {
	return "imap"
}

// Connect dials and authenticates.
func (r *IMAPReceiver) Connect(ctx context.Context) error {
	client, err := dialIMAP(ctx, r.account, r.newClient, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.client
	r.client = client
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// GetMails selects q.Mailbox and pulls messages matching q.Filter.
func (r *IMAPReceiver) GetMails(ctx context.Context, q Query) ([]*FetchedMessage, error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}
	q = q.withDefaults()
	if err := selectMailbox(client, q.Mailbox); err != nil {
		return nil, err
	}
	return pullSelected(ctx, client, q, pullSource{account: r.account, connector: r.Name(), now: r.now})
}

// Close logs out and drops the connection. It is safe to call repeatedly.
func (r *IMAPReceiver) Close() error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Logout().Wait(); err != nil && r.logger != nil {
		r.logger.Printf("imap logout error: %v", err)
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("imap close: %w", err)
	}
	return nil
}

func (r *IMAPReceiver) defaultClientFactory(account Account, opts *imapclient.Options) (imapClient, error) {
	client, err := dialIMAPClient(account, r.dialTimeout, opts)
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

func dialIMAP(ctx context.Context, account Account, factory imapClientFactory, opts *imapclient.Options) (imapClient, error) {
	if err := validateIMAPAccount(account); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := factory(account, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: imap connect: %v", ErrConnection, err)
	}
	if err := client.Login(account.Username, string(account.Password)).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: imap auth: %v", ErrConnection, err)
	}
	return client, nil
}

func dialIMAPClient(account Account, dialTimeout time.Duration, opts *imapclient.Options) (*imapclient.Client, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := account.Port
	if port == 0 {
		if useIMAPTLS(account.Type) {
			port = 993
		} else {
			port = 143
		}
	}
	if opts == nil {
		opts = &imapclient.Options{}
	}
	opts.Dialer = &net.Dialer{Timeout: dialTimeout}
	addr := fmt.Sprintf("%s:%d", account.Host, port)
	if useIMAPTLS(account.Type) {
		return imapclient.DialTLS(addr, opts)
	}
	return imapclient.DialInsecure(addr, opts)
}

type pullSource struct {
	account   Account
	connector string
	now       func() time.Time
}

func selectMailbox(client imapClient, mailbox string) error {
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", mailbox, err)
	}
	return nil
}

// pullSelected searches the selected mailbox, fetches bodies without setting
// \Seen implicitly, then flags the batch \Seen (and \Deleted + expunge when
// requested).
func pullSelected(ctx context.Context, client imapClient, q Query, src pullSource) ([]*FetchedMessage, error) {
	criteria, err := ParseFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSetNum(uids...)
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	fetchBuffers, err := client.Fetch(uidSet, fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	msgs := make([]*FetchedMessage, 0, len(fetchBuffers))
	for _, buf := range fetchBuffers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = src.now()
		}
		uidStr := fmt.Sprintf("%d", buf.UID)
		msg := &FetchedMessage{
			Connector:  src.connector,
			UID:        uidStr,
			RemoteID:   buildRemoteID(src.account, uidStr),
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
			Raw:        append([]byte(nil), body...),
			Metadata: map[string]string{
				"imap_uid":    uidStr,
				"imap_folder": q.Mailbox,
			},
		}
		msg.WithAccount(src.account)
		msgs = append(msgs, msg)
	}

	flags := []imap.Flag{imap.FlagSeen}
	if q.Delete {
		flags = append(flags, imap.FlagDeleted)
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: flags}
	if err := client.Store(uidSet, store, nil).Close(); err != nil {
		return nil, fmt.Errorf("imap store flags: %w", err)
	}
	if q.Delete {
		if err := client.UIDExpunge(uidSet).Close(); err != nil {
			return nil, fmt.Errorf("imap expunge: %w", err)
		}
	}
	return msgs, nil
}

type imapClientWrapper struct{ *imapclient.Client }

var _ idleClient = (*imapClientWrapper)(nil)

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
func (w *imapClientWrapper) Idle() (idleCommand, error) {
	cmd, err := w.Client.Idle()
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func validateIMAPAccount(account Account) error {
	if account.Username == "" {
		return errors.New("imap account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("imap account missing password")
	}
	if !supportsIMAP(account.Type) {
		return fmt.Errorf("account type %s not supported by IMAP connector", account.Type)
	}
	return nil
}

func supportsIMAP(t string) bool {
	switch strings.ToLower(t) {
	case "imap", "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}

func useIMAPTLS(t string) bool {
	switch strings.ToLower(t) {
	case "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}
