package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
)

// NewUserReplyHandler returns the built-in handler for UserReplyReceived
// events. It resumes the referenced waiting event:
//
//   - referenced event absent → log user_reply_unknown_event, complete.
//   - referenced event not in WAITING_USER → complete without side effects
//     (late reply; reprocessing the same reply is therefore monotonic).
//   - otherwise WAITING_USER → PENDING with correlation_id set to the reply's
//     Message-ID. A concurrency or lifecycle rejection means someone else
//     already moved the event; the reply event still completes.
//
// The reply event's own row is finalized by the orchestrator, not here.
func NewUserReplyHandler(store Store, logger *slog.Logger) HandlerFunc {
	return func(ctx context.Context, evt *event.Event) (Result, error) {
		referencedID, _ := evt.Payload["event_id"].(string)
		messageID, _ := evt.Payload["message_id"].(string)

		if referencedID == "" {
			logger.Warn("user_reply_unknown_event",
				slog.String("reply_event_id", evt.ID),
				slog.String("reason", "payload carries no event_id"),
			)

			return Completed(nil), nil
		}

		referenced, err := store.Get(ctx, referencedID)
		if err != nil {
			if errors.Is(err, event.ErrNotFound) {
				logger.Warn("user_reply_unknown_event",
					slog.String("reply_event_id", evt.ID),
					slog.String("event_id", referencedID),
				)

				return Completed(nil), nil
			}

			// Storage trouble: let the retry budget handle it.
			return Result{}, err
		}

		if referenced.Status != event.StatusWaitingUser {
			logger.Info("user reply arrived late, referenced event no longer waiting",
				slog.String("reply_event_id", evt.ID),
				slog.String("event_id", referencedID),
				slog.String("status", string(referenced.Status)),
			)

			return Completed(nil), nil
		}

		pending := event.StatusPending

		patch := event.Patch{
			Status:            &pending,
			ExpectedUpdatedAt: &referenced.UpdatedAt,
		}

		if messageID != "" {
			patch.CorrelationID = &messageID
		}

		if _, err := store.Update(ctx, referencedID, patch); err != nil {
			if errors.Is(err, event.ErrConcurrency) || errors.Is(err, event.ErrIllegalTransition) {
				// The referenced event moved while we held the reply; it is
				// not the row that stalled, so the reply itself completes.
				logger.Warn("user reply lost resume race",
					slog.String("reply_event_id", evt.ID),
					slog.String("event_id", referencedID),
					slog.String("error", err.Error()),
				)

				return Completed(nil), nil
			}

			return Result{}, err
		}

		logger.Info("waiting event resumed by user reply",
			slog.String("event_id", referencedID),
			slog.String("message_id", messageID),
		)

		return Completed(nil), nil
	}
}
