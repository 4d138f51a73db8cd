package outbound

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Sender delivers a Draft over one transport.
type Sender interface {
	Name() string
	Send(ctx context.Context, d Draft) error
}

// Settings selects and configures a Sender.
type Settings struct {
	// Transport is smtp, ses or file.
	Transport string
	SMTP      SMTPConfig
	SES       SESConfig
	OutboxDir string
	Logger    *log.Logger
}

// NewSender builds the Sender named by s.Transport.
func NewSender(ctx context.Context, s Settings) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(s.Transport)) {
	case "", "smtp":
		return NewSMTPSender(s.SMTP, WithSMTPLogger(s.Logger)), nil
	case "ses":
		return NewSESSender(ctx, s.SES, WithSESLogger(s.Logger))
	case "file":
		return NewFileSender(s.OutboxDir, WithFileLogger(s.Logger))
	default:
		return nil, fmt.Errorf("unknown outbound transport %q", s.Transport)
	}
}

func logSend(logger *log.Logger, d Draft, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Printf("SEND FAIL %s. %v", d.label(), err)
		return
	}
	logger.Printf("SEND %s", d.label())
}
