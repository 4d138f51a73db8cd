// Package adapter maps configuration sections onto connector accounts and
// queries.
package adapter

import (
	"fmt"
	"strings"

	"github.com/gotrs-io/gotrs-mailproc/internal/config"
	"github.com/gotrs-io/gotrs-mailproc/internal/credential"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/connector"
)

// PasswordSource resolves a secret by keyring key, returning fallback when
// the key is empty.
type PasswordSource interface {
	Password(key, fallback string) (string, error)
}

var _ PasswordSource = (*credential.Resolver)(nil)

// Account builds the connector account for transport (imap, pop3 or file).
// TLS selects the imaps/pop3s variant. A nil secrets source uses the
// configured plaintext password.
func Account(c *config.Config, transport string, secrets PasswordSource) (connector.Account, error) {
	if c == nil {
		return connector.Account{}, fmt.Errorf("adapter: nil config")
	}
	kind := strings.ToLower(strings.TrimSpace(transport))
	switch kind {
	case "file":
		return connector.Account{Name: "file", Type: "file", Mailbox: c.File.InboxDir}, nil
	case "imap", "imaps":
		return mailboxAccount("imap", c.IMAP, c.App.Name, secrets)
	case "pop3", "pop3s":
		return mailboxAccount("pop3", c.POP3, c.App.Name, secrets)
	default:
		return connector.Account{}, fmt.Errorf("adapter: unknown inbound transport %q", transport)
	}
}

func mailboxAccount(kind string, mc config.MailboxConfig, name string, secrets PasswordSource) (connector.Account, error) {
	password := mc.Password
	if secrets != nil {
		var err error
		if password, err = secrets.Password(mc.CredentialKey, mc.Password); err != nil {
			return connector.Account{}, fmt.Errorf("adapter: %s password: %w", kind, err)
		}
	}
	accountType := kind
	if mc.TLS {
		accountType += "s"
	}
	return connector.Account{
		Name:        name,
		Type:        accountType,
		Host:        mc.Host,
		Port:        mc.Port,
		Username:    mc.Username,
		Password:    []byte(password),
		Mailbox:     mc.Mailbox,
		DialTimeout: mc.DialTimeout,
	}, nil
}

// Query builds the fetch query for transport.
func Query(c *config.Config, transport string) connector.Query {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "file":
		return connector.Query{Filter: "(UNSEEN)", Delete: c.File.Delete}
	case "pop3", "pop3s":
		return connector.Query{Filter: c.POP3.Filter, Delete: c.POP3.Delete}
	default:
		return connector.Query{Filter: c.IMAP.Filter, Mailbox: c.IMAP.Mailbox, Delete: c.IMAP.Delete}
	}
}
