package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// SMTPConfig describes an SMTP relay.
type SMTPConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	AuthType   string
	TLS        bool
	TLSMode    string
	SkipVerify bool
	From       string
}

// EffectiveTLSMode resolves TLSMode, falling back to the legacy TLS flag:
// port 465 implies smtps, anything else starttls.
func (c SMTPConfig) EffectiveTLSMode() string {
	switch mode := strings.ToLower(strings.TrimSpace(c.TLSMode)); mode {
	case "smtps", "starttls", "none":
		return mode
	}
	if c.TLS {
		if c.Port == 465 {
			return "smtps"
		}
		return "starttls"
	}
	return "none"
}

type smtpClient interface {
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type smtpDialer func(ctx context.Context, cfg SMTPConfig) (smtpClient, error)

// SMTPSender relays composed drafts through an SMTP server.
type SMTPSender struct {
	cfg    SMTPConfig
	dial   smtpDialer
	logger *log.Logger
}

// SMTPOption configures an SMTPSender.
type SMTPOption func(*SMTPSender)

// WithSMTPLogger sets the SEND log destination.
func WithSMTPLogger(logger *log.Logger) SMTPOption {
	return func(s *SMTPSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withSMTPDialer(d smtpDialer) SMTPOption {
	return func(s *SMTPSender) { s.dial = d }
}

// NewSMTPSender returns a sender for cfg.
func NewSMTPSender(cfg SMTPConfig, opts ...SMTPOption) *SMTPSender {
	s := &SMTPSender{cfg: cfg, dial: dialSMTPClient, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send composes d and relays it. From falls back to the configured sender.
func (s *SMTPSender) Send(ctx context.Context, d Draft) error {
	if d.From == "" {
		d.From = s.cfg.From
		if d.From == "" {
			d.From = s.cfg.User
		}
	}
	err := s.send(ctx, d)
	logSend(s.logger, d, err)
	return err
}

func (s *SMTPSender) send(ctx context.Context, d Draft) error {
	raw, err := Compose(d)
	if err != nil {
		return err
	}
	from, err := envelopeAddress(d.From)
	if err != nil {
		return err
	}

	client, err := s.dial(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return err
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range d.Recipients() {
		addr, err := envelopeAddress(to)
		if err != nil {
			return err
		}
		if err := client.Rcpt(addr); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", addr, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

func dialSMTPClient(ctx context.Context, cfg SMTPConfig) (smtpClient, error) {
	mode := cfg.EffectiveTLSMode()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipVerify,
	}

	switch mode {
	case "smtps":
		dialer := &tls.Dialer{Config: tlsConfig}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect via SMTPS: %w", err)
		}
		client, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create SMTP client: %w", err)
		}
		return client, nil
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		client, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create SMTP client: %w", err)
		}
		if mode == "starttls" {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
		return client, nil
	}
}

func (s *SMTPSender) authenticate(client smtpClient) error {
	if s.cfg.User == "" || s.cfg.Password == "" {
		return nil
	}

	var auth smtp.Auth
	switch strings.ToLower(strings.TrimSpace(s.cfg.AuthType)) {
	case "login":
		auth = &loginAuth{username: s.cfg.User, password: s.cfg.Password}
	default:
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}

// loginAuth implements SMTP LOGIN authentication
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		switch string(fromServer) {
		case "Username:":
			return []byte(a.username), nil
		case "Password:":
			return []byte(a.password), nil
		default:
			return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
		}
	}
	return nil, nil
}
