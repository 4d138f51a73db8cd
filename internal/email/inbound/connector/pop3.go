package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account) (pop3Connection, error)

// POP3Receiver pulls messages from a POP3/POP3S maildrop. POP3 has no flags,
// so "seen" is tracked per receiver by UIDL.
type POP3Receiver struct {
	account     Account
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newConn     pop3ConnFactory

	mu   sync.Mutex
	conn pop3Connection
	seen map[string]bool
}

// POP3Option customizes receiver behavior.
type POP3Option func(*POP3Receiver)

// NewPOP3Receiver returns a POP3 receiver for account.
func NewPOP3Receiver(account Account, opts ...POP3Option) *POP3Receiver {
	r := &POP3Receiver{
		account:     account,
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
		seen:        map[string]bool{},
	}
	if account.DialTimeout > 0 {
		r.dialTimeout = account.DialTimeout
	}
	r.newConn = r.defaultConnFactory
	for _, opt := range opts {
		opt(r)
	}
	if r.newConn == nil {
		r.newConn = r.defaultConnFactory
	}
	return r
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3Option {
	return func(r *POP3Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(r *POP3Receiver) {
		if timeout > 0 {
			r.dialTimeout = timeout
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3Option {
	return func(r *POP3Receiver) {
		r.newConn = factory
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3Option {
	return func(r *POP3Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

// Name returns the connector identifier.
func (r *POP3Receiver) Name() string {
	return "pop3"
}

// Connect dials and authenticates.
func (r *POP3Receiver) Connect(ctx context.Context) error {
	if err := validatePOP3Account(r.account); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := r.newConn(r.account)
	if err != nil {
		return fmt.Errorf("%w: pop3 connect: %v", ErrConnection, err)
	}
	if err := conn.Auth(r.account.Username, string(r.account.Password)); err != nil {
		_ = conn.Quit()
		return fmt.Errorf("%w: pop3 auth: %v", ErrConnection, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// GetMails retrieves the maildrop. Only ALL and UNSEEN filters apply; the
// mailbox must be INBOX.
func (r *POP3Receiver) GetMails(ctx context.Context, q Query) ([]*FetchedMessage, error) {
	q = q.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, ErrNotConnected
	}
	if !strings.EqualFold(q.Mailbox, DefaultMailbox) {
		return nil, fmt.Errorf("pop3 has no mailbox %q", q.Mailbox)
	}
	unseenOnly, err := unseenFilter("pop3", q.Filter)
	if err != nil {
		return nil, err
	}

	list, err := r.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}

	var msgs []*FetchedMessage
	for _, meta := range list {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		if unseenOnly && r.seen[uid] {
			continue
		}

		payload, err := r.conn.RetrRaw(meta.ID)
		if err != nil {
			return nil, fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		msg := &FetchedMessage{
			Connector:  r.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(r.account, uid),
			ReceivedAt: r.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				"uidl":    uid,
				"pop3_id": strconv.Itoa(meta.ID),
			},
		}
		if meta.Size > 0 {
			msg.Metadata["reported_size"] = strconv.Itoa(meta.Size)
		}
		msg.WithAccount(r.account)
		msgs = append(msgs, msg)
		r.seen[uid] = true

		if q.Delete {
			if err := r.conn.Dele(meta.ID); err != nil {
				return nil, fmt.Errorf("pop3 delete %d: %w", meta.ID, err)
			}
		}
	}
	return msgs, nil
}

// Close sends QUIT, which commits pending deletions.
func (r *POP3Receiver) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Quit(); err != nil && r.logger != nil {
		r.logger.Printf("pop3 quit error: %v", err)
	}
	return nil
}

func (r *POP3Receiver) defaultConnFactory(account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if usePOP3TLS(account.Type) {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: r.dialTimeout,
		TLSEnabled:  usePOP3TLS(account.Type),
	})
	return client.NewConn()
}

// unseenFilter accepts the ALL and UNSEEN keys used by flagless transports.
func unseenFilter(transport, filter string) (unseenOnly bool, err error) {
	tokens, err := tokenizeFilter(filter)
	if err != nil {
		return false, err
	}
	for _, tok := range tokens {
		switch strings.ToUpper(tok) {
		case "ALL":
		case "UNSEEN":
			unseenOnly = true
		default:
			return false, fmt.Errorf("%w: %s supports only ALL and UNSEEN, got %q", ErrInvalidFilter, transport, tok)
		}
	}
	return unseenOnly, nil
}

func validatePOP3Account(account Account) error {
	if account.Username == "" {
		return errors.New("pop3 account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("pop3 account missing password")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	switch strings.ToLower(t) {
	case "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}

func buildRemoteID(account Account, uid string) string {
	if account.Username == "" {
		return fmt.Sprintf("%s:%s", account.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", account.Username, account.Host, uid)
}
