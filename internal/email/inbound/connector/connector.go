package connector

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrConnection marks authentication, network and read failures.
var ErrConnection = errors.New("mail connection error")

// ErrNotConnected is returned by GetMails before a successful Connect.
var ErrNotConnected = errors.New("receiver not connected")

// DefaultFilter selects only unseen messages.
const DefaultFilter = "(UNSEEN)"

// DefaultMailbox is used when a query names no mailbox.
const DefaultMailbox = "INBOX"

// Account carries the minimal set of fields a receiver needs to open a mailbox.
type Account struct {
	Name     string
	Type     string // imap, imaps, pop3, pop3s, file
	Host     string
	Port     int
	Username string
	Password []byte
	// Mailbox is the IMAP folder, or the directory for file accounts.
	Mailbox     string
	DialTimeout time.Duration
}

// Query selects which messages GetMails returns and what happens to them.
type Query struct {
	// Filter is a server-side selector such as "(UNSEEN)" or "FROM x@y".
	Filter  string
	Mailbox string
	// Delete flags fetched messages as deleted and expunges them.
	Delete bool
}

func (q Query) withDefaults() Query {
	if strings.TrimSpace(q.Filter) == "" {
		q.Filter = DefaultFilter
	}
	if strings.TrimSpace(q.Mailbox) == "" {
		q.Mailbox = DefaultMailbox
	}
	return q
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
	account    Account
}

// AccountSnapshot returns the account metadata captured when the fetch occurred.
func (m FetchedMessage) AccountSnapshot() Account {
	return m.account
}

// WithAccount captures the account metadata on the message.
func (m *FetchedMessage) WithAccount(acc Account) {
	acc.Password = nil
	m.account = acc
}

// Receiver is the capability every inbound transport exposes.
type Receiver interface {
	Name() string
	Connect(ctx context.Context) error
	// GetMails fetches messages matching q, marks them seen, and when
	// q.Delete is set removes them, in one request-response cycle.
	GetMails(ctx context.Context, q Query) ([]*FetchedMessage, error)
	// Close tolerates an already closed or half-closed connection.
	Close() error
}

// Factory resolves the correct receiver implementation for a mailbox.
type Factory interface {
	ReceiverFor(account Account) (Receiver, error)
}
