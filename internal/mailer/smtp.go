package mailer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mail "github.com/wneessen/go-mail"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
)

// Compile-time checks: both transports satisfy the Transport contract.
var (
	_ Transport = (*SMTPTransport)(nil)
	_ Transport = (*LogTransport)(nil)
)

// SMTPTransport delivers messages over SMTP submission. Each Send dials a
// fresh connection; the notification volume of a workflow engine does not
// warrant connection pooling.
type SMTPTransport struct {
	config *Config
}

// NewSMTPTransport creates an SMTP transport from the mailer configuration.
func NewSMTPTransport(cfg *Config) (*SMTPTransport, error) {
	if cfg == nil {
		cfg = LoadConfig()
	}

	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil, ErrSMTPHostEmpty
	}

	return &SMTPTransport{config: cfg}, nil
}

// Send composes and submits the message, returning the Message-ID it was
// submitted under. The id is generated locally so it is known before the
// server accepts the mail and can be persisted as correlation_id.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (string, error) {
	composed := mail.NewMsg()

	if err := composed.From(msg.From); err != nil {
		return "", fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}

	if err := composed.To(msg.To...); err != nil {
		return "", fmt.Errorf("invalid recipients %v: %w", msg.To, err)
	}

	composed.Subject(msg.Subject)
	composed.SetBodyString(mail.TypeTextPlain, msg.Body)

	messageID := GenerateMessageID(domainOf(msg.From))
	composed.SetMessageIDWithValue(strings.Trim(messageID, "<>"))

	for name, value := range msg.Headers {
		composed.SetGenHeader(mail.Header(name), value)
	}

	for _, att := range msg.Attachments {
		opts := []mail.FileOption{}
		if att.ContentType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(att.ContentType)))
		}

		if err := composed.AttachReader(att.Filename, bytes.NewReader(att.Content), opts...); err != nil {
			return "", fmt.Errorf("attach %q: %w", att.Filename, err)
		}
	}

	client, err := t.newClient()
	if err != nil {
		return "", err
	}

	if err := client.DialAndSendWithContext(ctx, composed); err != nil {
		return "", fmt.Errorf("smtp submission to %s:%d failed: %w", t.config.SMTPHost, t.config.SMTPPort, err)
	}

	return messageID, nil
}

func (t *SMTPTransport) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(t.config.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}

	if t.config.SendTimeout > 0 {
		opts = append(opts, mail.WithTimeout(t.config.SendTimeout))
	}

	if t.config.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.config.SMTPUsername),
			mail.WithPassword(t.config.Password()),
		)
	}

	client, err := mail.NewClient(t.config.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client setup failed: %w", err)
	}

	return client, nil
}

// LogTransport is the dry-run transport: it logs the composed message instead
// of delivering it and synthesizes a Message-ID so correlation still works
// end to end in local development.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a dry-run transport. A nil logger falls back to a
// JSON handler on stdout.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}

	return &LogTransport{logger: logger}
}

// Send logs the message and returns a synthesized Message-ID.
func (t *LogTransport) Send(_ context.Context, msg *Message) (string, error) {
	messageID := GenerateMessageID(domainOf(msg.From))

	t.logger.Info("dry-run mail",
		slog.String("from", msg.From),
		slog.Any("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("message_id", messageID),
		slog.String("event_id", msg.Headers[HeaderEventID]),
		slog.Int("attachments", len(msg.Attachments)),
	)

	return messageID, nil
}

// domainOf extracts the domain part of an address for Message-ID generation.
func domainOf(address string) string {
	if idx := strings.LastIndex(address, "@"); idx >= 0 && idx < len(address)-1 {
		return strings.Trim(address[idx+1:], ">")
	}

	return ""
}
