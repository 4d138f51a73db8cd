package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	inboundTransports  = []string{"imap", "pop3", "file"}
	outboundTransports = []string{"smtp", "ses", "file"}
	databaseDrivers    = []string{"sqlite3", "sqlite", "postgres", "postgresql", "mysql"}
	tlsModes           = []string{"", "smtps", "starttls", "none"}
	authTypes          = []string{"", "plain", "login"}
	logLevels          = []string{"", "debug", "info"}
)

// Validate checks enumerated values and the poll schedule. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string
	check := func(field, value string, allowed []string) {
		v := strings.ToLower(strings.TrimSpace(value))
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		problems = append(problems, fmt.Sprintf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", ")))
	}

	check("poll.transport", c.Poll.Transport, inboundTransports)
	check("outbound.transport", c.Outbound.Transport, outboundTransports)
	check("database.driver", c.Database.Driver, databaseDrivers)
	check("smtp.tls_mode", c.SMTP.TLSMode, tlsModes)
	check("smtp.auth_type", c.SMTP.AuthType, authTypes)
	check("logging.level", c.Logging.Level, logLevels)

	if c.Poll.Schedule != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Poll.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("poll.schedule: %v", err))
		}
	}
	if c.IMAP.IdleTimeout < 0 {
		problems = append(problems, "imap.idle_timeout: must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		problems = append(problems, "metrics.addr: required when metrics are enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n%s", ErrInvalidConfig, strings.Join(problems, "\n"))
	}
	return nil
}
