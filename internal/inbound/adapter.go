package inbound

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
)

// ReplyEventSchema validates UserReplyReceived payloads. Registered for the
// UserReplyReceived type by composition roots that use a schema registry.
const ReplyEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "message_id"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "message_id": {"type": "string"},
    "in_reply_to": {"type": "string"},
    "from": {"type": "string"},
    "body": {"type": "string"},
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "filename": {"type": "string"},
          "content_type": {"type": "string"},
          "content": {"type": "string", "contentEncoding": "base64"}
        }
      }
    }
  }
}`

// createAttempts bounds retries on event id collisions. Collisions need the
// same second-resolution timestamp plus a 10-character random suffix match,
// so more than one retry is already paranoia.
const createAttempts = 3

// ErrIngestFailed wraps persistent failures to record a reply event.
var ErrIngestFailed = errors.New("failed to ingest inbound reply")

// Store is the event store surface the ingestor needs.
type Store interface {
	CreateEvent(ctx context.Context, evt *event.Event) error
}

// Ingestor records parsed inbound mail as UserReplyReceived events.
type Ingestor struct {
	store  Store
	logger *slog.Logger
}

// NewIngestor creates an ingestor over the given store. A nil logger falls
// back to a JSON handler on stdout.
func NewIngestor(store Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}

	return &Ingestor{store: store, logger: logger}
}

// Ingest persists one parsed message as a PENDING UserReplyReceived event and
// returns it. Event id collisions are retried with a fresh id.
func (i *Ingestor) Ingest(ctx context.Context, msg *ParsedMessage) (*event.Event, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", ErrIngestFailed)
	}

	if msg.EventID == "" {
		return nil, ErrEventIDMissing
	}

	payload := map[string]any{
		"event_id":   msg.EventID,
		"message_id": msg.MessageID,
	}

	if msg.InReplyTo != "" {
		payload["in_reply_to"] = msg.InReplyTo
	}

	if msg.From != "" {
		payload["from"] = msg.From
	}

	if msg.Body != "" {
		payload["body"] = msg.Body
	}

	if len(msg.Attachments) > 0 {
		attachments := make([]any, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, map[string]any{
				"filename":     att.Filename,
				"content_type": att.ContentType,
				"content":      base64.StdEncoding.EncodeToString(att.Content),
			})
		}

		payload["attachments"] = attachments
	}

	var lastErr error

	for attempt := 0; attempt < createAttempts; attempt++ {
		evt := event.New(event.TypeUserReplyReceived, payload)

		err := i.store.CreateEvent(ctx, evt)
		if err == nil {
			i.logger.Info("inbound reply recorded",
				slog.String("reply_event_id", evt.ID),
				slog.String("event_id", msg.EventID),
				slog.String("message_id", msg.MessageID),
			)

			return evt, nil
		}

		if !errors.Is(err, event.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %w", ErrIngestFailed, err)
		}

		lastErr = err

		i.logger.Warn("event id collision on inbound reply, retrying with fresh id",
			slog.String("reply_event_id", evt.ID),
		)
	}

	return nil, fmt.Errorf("%w: %w", ErrIngestFailed, lastErr)
}
