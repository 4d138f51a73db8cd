package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mailproc/internal/config"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/adapter"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/outbound"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Compose a message and send it with the configured transport",
	Long: `Send builds a message from --text, --markdown and --json and delivers it
over outbound.transport (smtp, ses or file).

  mailproc send --to ops@example.com --subject "Report" --markdown "**done**"
  mailproc send --to ops@example.com --json payload.json --gzip`,
	RunE: runSend,
}

var (
	sendFrom      string
	sendTo        []string
	sendCc        []string
	sendBcc       []string
	sendSubject   string
	sendText      string
	sendMarkdown  string
	sendHTML      string
	sendJSON      string
	sendJSONName  string
	sendBase64    bool
	sendGzip      bool
	sendTransport string
)

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendFrom, "from", "", "Sender address (defaults to the transport's from)")
	f.StringSliceVar(&sendTo, "to", nil, "Recipient (repeatable)")
	f.StringSliceVar(&sendCc, "cc", nil, "Cc recipient (repeatable)")
	f.StringSliceVar(&sendBcc, "bcc", nil, "Bcc recipient (repeatable)")
	f.StringVar(&sendSubject, "subject", "", "Subject")
	f.StringVar(&sendText, "text", "", "Plain text body")
	f.StringVar(&sendMarkdown, "markdown", "", "Markdown body, rendered to the HTML part")
	f.StringVar(&sendHTML, "html", "", "HTML body")
	f.StringVar(&sendJSON, "json", "", "File whose JSON content is attached")
	f.StringVar(&sendJSONName, "json-name", "", "Attachment filename")
	f.BoolVar(&sendBase64, "base64", false, "Base64 encode the JSON attachment")
	f.BoolVar(&sendGzip, "gzip", false, "Gzip the JSON attachment")
	f.StringVar(&sendTransport, "transport", "", "Outbound transport (overrides outbound.transport)")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger("[SEND] ")
	ctx := cmd.Context()

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	settings, err := outboundSettings(cfg, svc.secrets)
	if err != nil {
		return err
	}
	if sendTransport != "" {
		settings.Transport = sendTransport
	}
	settings.Logger = logger

	sender, err := outbound.NewSender(ctx, settings)
	if err != nil {
		return err
	}

	draft := outbound.Draft{
		From:     sendFrom,
		To:       sendTo,
		Cc:       sendCc,
		Bcc:      sendBcc,
		Subject:  sendSubject,
		Text:     sendText,
		HTML:     sendHTML,
		Markdown: sendMarkdown,
		JSONOptions: outbound.JSONOptions{
			Filename: sendJSONName,
			Base64:   sendBase64,
			Gzip:     sendGzip,
		},
	}
	if draft.From == "" {
		draft.From = defaultFrom(cfg, sender.Name())
	}
	if sendJSON != "" {
		payload, err := readJSON(sendJSON)
		if err != nil {
			return err
		}
		draft.JSON = payload
	}

	err = sender.Send(ctx, draft)
	if svc.metrics != nil {
		svc.metrics.Sent(sender.Name(), err)
	}
	if err == nil && svc.store != nil {
		if logErr := svc.store.AddLog(ctx, "send", sender.Name(), strings.Join(draft.Recipients(), ", ")); logErr != nil {
			logger.Printf("store: %v", logErr)
		}
	}
	return err
}

// outboundSettings maps the smtp, ses and file sections onto sender
// settings, resolving the SMTP password from the keyring when a key is set.
func outboundSettings(cfg *config.Config, secrets adapter.PasswordSource) (outbound.Settings, error) {
	password := cfg.SMTP.Password
	if secrets != nil {
		var err error
		if password, err = secrets.Password(cfg.SMTP.CredentialKey, cfg.SMTP.Password); err != nil {
			return outbound.Settings{}, fmt.Errorf("smtp password: %w", err)
		}
	}
	return outbound.Settings{
		Transport: cfg.Outbound.Transport,
		SMTP: outbound.SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			User:       cfg.SMTP.User,
			Password:   password,
			AuthType:   cfg.SMTP.AuthType,
			TLS:        cfg.SMTP.TLS,
			TLSMode:    cfg.SMTP.TLSMode,
			SkipVerify: cfg.SMTP.SkipVerify,
			From:       cfg.SMTP.From,
		},
		SES: outbound.SESConfig{
			Region:    cfg.SES.Region,
			From:      cfg.SES.From,
			AccessKey: cfg.SES.AccessKey,
			SecretKey: cfg.SES.SecretKey,
			Endpoint:  cfg.SES.Endpoint,
		},
		OutboxDir: cfg.File.OutboxDir,
	}, nil
}

func defaultFrom(cfg *config.Config, transport string) string {
	switch transport {
	case "ses":
		return cfg.SES.From
	case "smtp":
		if cfg.SMTP.From != "" {
			return cfg.SMTP.From
		}
		return cfg.SMTP.User
	default:
		if cfg.SMTP.From != "" {
			return cfg.SMTP.From
		}
		return cfg.SES.From
	}
}

func readJSON(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse json %s: %w", path, err)
	}
	return v, nil
}
