// Package mailer provides the outbound correlation adapter: it stamps every
// outgoing notification with the event id on three channels (subject marker,
// body line, X-Event-ID header), delivers it through an injected transport,
// and writes the accepted Message-ID back to the event as correlation_id.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/orchestrator"
)

// Sentinel errors for outbound mail.
var (
	// ErrEventIDEmpty is returned when a send request carries no event id.
	ErrEventIDEmpty = errors.New("event id is required for outbound mail")

	// ErrRecipientsEmpty is returned when a send request carries no recipients.
	ErrRecipientsEmpty = errors.New("at least one recipient is required")

	// ErrTransportFailed wraps transport delivery failures.
	ErrTransportFailed = errors.New("mail transport failed")
)

// Standard header names stamped by the adapter.
const (
	HeaderEventID   = "X-Event-ID"
	headerInReplyTo = "In-Reply-To"
	headerRefs      = "References"
)

type (
	// Store is the narrow event store surface the mailer needs: the
	// correlation write-back after a successful send. The store knows
	// nothing about transport.
	Store interface {
		Update(ctx context.Context, eventID string, patch event.Patch) (*event.Event, error)
	}

	// Transport delivers a composed message and returns the accepted
	// Message-ID, or empty when the backend does not report one.
	Transport interface {
		Send(ctx context.Context, msg *Message) (string, error)
	}

	// Message is the fully composed outbound mail handed to the transport.
	Message struct {
		From        string
		To          []string
		Subject     string
		Body        string
		Headers     map[string]string
		Attachments []Attachment
	}

	// Attachment is a binary part attached to an outbound message.
	Attachment struct {
		Filename    string
		ContentType string
		Content     []byte
	}

	// SendRequest is the outbound mail contract exposed to handlers and the
	// orchestrator's notification publisher.
	SendRequest struct {
		To            []string
		Subject       string
		Body          string
		EventID       string
		CorrelationID string
		Sender        string
		Attachments   []Attachment
		ExtraHeaders  map[string]string
	}

	// Mailer stamps, throttles, delivers, and correlates outbound mail.
	Mailer struct {
		transport Transport
		store     Store
		config    *Config
		limiter   *rate.Limiter
		logger    *slog.Logger
	}

	// Option configures optional Mailer behavior.
	Option func(*Mailer)
)

// WithMailerLogger sets the mailer logger.
func WithMailerLogger(logger *slog.Logger) Option {
	return func(m *Mailer) {
		m.logger = logger
	}
}

// WithLimiter overrides the outbound rate limiter. A nil limiter disables
// throttling.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(m *Mailer) {
		m.limiter = limiter
	}
}

// New creates a mailer over the given transport. The store may be nil, in
// which case the correlation write-back is skipped.
func New(transport Transport, store Store, cfg *Config, opts ...Option) *Mailer {
	if cfg == nil {
		cfg = LoadConfig()
	}

	m := &Mailer{
		transport: transport,
		store:     store,
		config:    cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	if cfg.SendRPS > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}

		m.limiter = rate.NewLimiter(rate.Limit(cfg.SendRPS), burst)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Send composes and delivers one correlated notification:
//
//  1. Reject requests without an event id or recipients.
//  2. Stamp the subject with [ref:<event_id>] and the body with a visible
//     "Reference: <event_id>" line, each exactly once (case-insensitive,
//     idempotent across repeated sends of the same content).
//  3. Set X-Event-ID; thread In-Reply-To/References when the request carries
//     a correlation id.
//  4. Deliver through the transport under the configured deadline.
//  5. Write the returned Message-ID back to the event as correlation_id.
//     Failures there are logged as warnings and never undo the send.
//
// Returns the accepted Message-ID, empty when the transport reports none.
func (m *Mailer) Send(ctx context.Context, req SendRequest) (string, error) {
	if strings.TrimSpace(req.EventID) == "" {
		return "", ErrEventIDEmpty
	}

	if len(req.To) == 0 {
		return "", ErrRecipientsEmpty
	}

	sender := req.Sender
	if sender == "" {
		sender = m.config.Sender
	}

	headers := map[string]string{
		HeaderEventID: req.EventID,
	}

	if req.CorrelationID != "" {
		parent := NormalizeMessageID(req.CorrelationID)
		headers[headerInReplyTo] = parent
		headers[headerRefs] = parent
	}

	for name, value := range req.ExtraHeaders {
		if strings.EqualFold(name, HeaderEventID) {
			continue
		}

		headers[name] = value
	}

	msg := &Message{
		From:        sender,
		To:          req.To,
		Subject:     StampSubject(req.Subject, req.EventID),
		Body:        StampBody(req.Body, req.EventID),
		Headers:     headers,
		Attachments: req.Attachments,
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrTransportFailed, err)
		}
	}

	sendCtx := ctx

	if m.config.SendTimeout > 0 {
		var cancel context.CancelFunc

		sendCtx, cancel = context.WithTimeout(ctx, m.config.SendTimeout)
		defer cancel()
	}

	messageID, err := m.transport.Send(sendCtx, msg)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransportFailed, err)
	}

	m.logger.Info("notification sent",
		slog.String("event_id", req.EventID),
		slog.String("message_id", messageID),
		slog.Int("recipients", len(req.To)),
	)

	if messageID != "" && m.store != nil {
		correlationID := messageID
		if _, err := m.store.Update(ctx, req.EventID, event.Patch{CorrelationID: &correlationID}); err != nil {
			// The mail is already on the wire; correlation is last-writer-wins
			// and a reply can still resolve via the reference marker.
			m.logger.Warn("failed to persist outbound correlation",
				slog.String("event_id", req.EventID),
				slog.String("message_id", messageID),
				slog.String("error", err.Error()),
			)
		}
	}

	return messageID, nil
}

// PublishNotification implements the orchestrator's notification publisher
// hook, mapping the WAITING_USER notification onto a correlated send.
func (m *Mailer) PublishNotification(ctx context.Context, eventID string, n orchestrator.Notification) error {
	_, err := m.Send(ctx, SendRequest{
		To:      []string{n.To},
		Subject: n.Subject,
		Body:    n.Body,
		EventID: eventID,
	})

	return err
}

// StampSubject ensures the subject carries [ref:<eventID>] exactly once.
// The check is case-insensitive; an already stamped subject passes through
// unchanged.
func StampSubject(subject, eventID string) string {
	marker := "[ref:" + eventID + "]"

	if containsFold(subject, marker) {
		return subject
	}

	if strings.TrimSpace(subject) == "" {
		return marker
	}

	return subject + " " + marker
}

// StampBody ensures the body carries a visible "Reference: <eventID>" line
// exactly once, preserving existing whitespace and separating with a blank
// line when needed.
func StampBody(body, eventID string) string {
	reference := "Reference: " + eventID

	if containsFold(body, reference) {
		return body
	}

	switch {
	case body == "":
		return reference
	case strings.HasSuffix(body, "\n\n"):
		return body + reference
	case strings.HasSuffix(body, "\n"):
		return body + "\n" + reference
	default:
		return body + "\n\n" + reference
	}
}

// messageIDPattern strips surrounding whitespace/angle brackets from one
// Message-ID token.
var messageIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)

// NormalizeMessageID normalizes a Message-ID to canonical <...> form. When
// the input carries several tokens the first one wins; bare ids are wrapped
// in angle brackets.
func NormalizeMessageID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if match := messageIDPattern.FindStringSubmatch(raw); match != nil {
		return "<" + match[1] + ">"
	}

	// Bare id: take the first whitespace-separated token.
	if fields := strings.Fields(raw); len(fields) > 0 {
		return "<" + strings.Trim(fields[0], "<>") + ">"
	}

	return ""
}

// GenerateMessageID synthesizes a unique Message-ID for transports that do
// not receive one from the backend.
func GenerateMessageID(domain string) string {
	if domain == "" {
		domain = "workflow.local"
	}

	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), strings.ToLower(event.NewID("MSG")), domain)
}

// containsFold reports whether s contains substr, ignoring case.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
