package outbound

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const maxSESRetries = 3

// SESConfig describes an SES v2 account.
type SESConfig struct {
	Region    string
	From      string
	AccessKey string
	SecretKey string
	// Endpoint overrides the service endpoint, e.g. for a local emulator.
	Endpoint string
}

// sesAPI is the subset of the sesv2 client used for sending.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends composed drafts as raw SES messages.
type SESSender struct {
	cfg       SESConfig
	client    sesAPI
	logger    *log.Logger
	baseDelay time.Duration
}

// SESOption configures an SESSender.
type SESOption func(*SESSender)

// WithSESLogger sets the SEND log destination.
func WithSESLogger(logger *log.Logger) SESOption {
	return func(s *SESSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSESRetryDelay sets the first backoff delay; later attempts double it.
func WithSESRetryDelay(d time.Duration) SESOption {
	return func(s *SESSender) { s.baseDelay = d }
}

func withSESClient(client sesAPI) SESOption {
	return func(s *SESSender) { s.client = client }
}

// NewSESSender loads the default AWS configuration, overlaid with the static
// keys from cfg when both are set.
func NewSESSender(ctx context.Context, cfg SESConfig, opts ...SESOption) (*SESSender, error) {
	s := &SESSender{cfg: cfg, logger: log.Default(), baseDelay: time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil {
		return s, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	s.client = sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return s, nil
}

func (s *SESSender) Name() string { return "ses" }

// Send composes d and submits it, retrying transient failures.
func (s *SESSender) Send(ctx context.Context, d Draft) error {
	if d.From == "" {
		d.From = s.cfg.From
	}
	err := s.send(ctx, d)
	logSend(s.logger, d, err)
	return err
}

func (s *SESSender) send(ctx context.Context, d Draft) error {
	raw, err := Compose(d)
	if err != nil {
		return err
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.From),
		Destination: &types.Destination{
			ToAddresses:  d.To,
			CcAddresses:  d.Cc,
			BccAddresses: d.Bcc,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxSESRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, s.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}
		if _, err := s.client.SendEmail(ctx, input); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("SES API request failed after %d retries: %w", maxSESRetries, lastErr)
}

func (s *SESSender) backoffDelay(attempt int) time.Duration {
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
