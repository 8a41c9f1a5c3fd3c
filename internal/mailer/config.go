package mailer

import (
	"errors"
	"strings"
	"time"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
)

const (
	defaultSMTPPort    = 587
	defaultSendTimeout = 30 * time.Second
	defaultSendRPS     = 1
	defaultSendBurst   = 5
)

// Sentinel errors for mailer configuration.
var (
	// ErrSMTPHostEmpty is returned when SMTP delivery is requested without a host.
	ErrSMTPHostEmpty = errors.New("SMTP host cannot be empty")

	// ErrSenderEmpty is returned when no sender address is configured.
	ErrSenderEmpty = errors.New("sender address cannot be empty")
)

// Config holds outbound mail configuration.
type Config struct {
	// SMTPHost and SMTPPort locate the submission endpoint.
	SMTPHost string
	SMTPPort int
	// SMTPUsername and smtpPassword authenticate when the username is set.
	SMTPUsername string
	smtpPassword string
	// Sender is the From address stamped on outbound mail.
	Sender string
	// SendTimeout bounds one transport call.
	SendTimeout time.Duration
	// SendRPS and SendBurst throttle outbound submissions.
	SendRPS   float64
	SendBurst int
	// DryRun selects the log-only transport instead of SMTP.
	DryRun bool
}

// LoadConfig loads mailer configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		SMTPHost:     config.GetEnvStr("SMTP_HOST", ""),
		SMTPPort:     config.GetEnvInt("SMTP_PORT", defaultSMTPPort),
		SMTPUsername: config.GetEnvStr("SMTP_USERNAME", ""),
		smtpPassword: config.GetEnvStr("SMTP_PASSWORD", ""), // password is private for obvious reasons.
		Sender:       config.GetEnvStr("MAIL_SENDER", ""),
		SendTimeout:  config.GetEnvDuration("MAIL_SEND_TIMEOUT", defaultSendTimeout),
		SendRPS:      float64(config.GetEnvInt("MAIL_SEND_RPS", defaultSendRPS)),
		SendBurst:    config.GetEnvInt("MAIL_SEND_BURST", defaultSendBurst),
		DryRun:       config.GetEnvBool("MAIL_DRY_RUN", false),
	}
}

// Validate checks the configuration for SMTP delivery. Dry-run mode only
// requires a sender.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Sender) == "" {
		return ErrSenderEmpty
	}

	if c.DryRun {
		return nil
	}

	if strings.TrimSpace(c.SMTPHost) == "" {
		return ErrSMTPHostEmpty
	}

	return nil
}

// Password returns the configured SMTP password.
func (c *Config) Password() string {
	return c.smtpPassword
}
