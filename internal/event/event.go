package event

import (
	"time"
)

// TypeUserReplyReceived is the reserved event type for ingested operator
// replies. The orchestrator registers a built-in handler for it unless the
// composition root overrides the registration.
const TypeUserReplyReceived = "UserReplyReceived"

type (
	// Event is the central durable record: one unit of workflow progress.
	//
	// Empty CorrelationID and LastError mean "not set"; the store persists
	// them as NULL. Labels behave as an ordered set (insertion order
	// preserved, no duplicates).
	Event struct {
		// ID uniquely identifies the event across the store. Assigned at
		// creation, immutable afterwards.
		ID string

		// Type routes the event to a handler. Open vocabulary; payloads are
		// validated when a schema is registered for the type.
		Type string

		// CreatedAt is the UTC creation instant. Immutable.
		CreatedAt time.Time

		// UpdatedAt strictly increases on every mutation and doubles as the
		// optimistic concurrency token.
		UpdatedAt time.Time

		// Status is the lifecycle state, guarded by ValidateTransition.
		Status Status

		// Payload is the structured event body.
		Payload map[string]any

		// Labels is an ordered set of tags.
		Labels []string

		// CorrelationID links the event to an external mail artifact: the
		// outbound Message-ID after a notification, or the inbound
		// Message-ID after a reply.
		CorrelationID string

		// Retries counts failed handler attempts. Written only by the
		// orchestrator; never decreases.
		Retries int

		// LastError holds the most recent handler error. Cleared when the
		// event finalizes COMPLETED or WAITING_USER.
		LastError string
	}

	// Patch describes a partial update applied through Store.Update.
	// Nil pointer fields leave the corresponding column untouched; a nil
	// Payload or Labels slice likewise means "unchanged".
	Patch struct {
		// Status is the target lifecycle state. When nil the current status
		// is kept (and re-validated as a no-op transition).
		Status *Status

		// Payload replaces the stored payload and is schema-validated when
		// the event's type has a registered schema.
		Payload map[string]any

		// Labels replaces the stored label list.
		Labels []string

		// CorrelationID sets the correlation id; pointing at an empty string
		// clears it.
		CorrelationID *string

		// Retries sets the retry counter. Only the orchestrator writes it.
		Retries *int

		// LastError sets the last error; pointing at an empty string clears
		// it.
		LastError *string

		// ExpectedUpdatedAt, when set, is the updated_at value the caller
		// observed before the update. The store rejects the write with
		// ErrConcurrency if the stored token has moved on; this is how
		// racing claims are arbitrated.
		ExpectedUpdatedAt *time.Time
	}
)

// New constructs a PENDING event with a fresh id and UTC timestamps.
func New(eventType string, payload map[string]any) *Event {
	now := time.Now().UTC().Truncate(time.Microsecond)

	return &Event{
		ID:        NewEventID(),
		Type:      eventType,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		Payload:   payload,
	}
}

// Clone returns a deep copy of the event. Stores hand out clones so callers
// can never mutate shared state.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}

	clone := *e

	if e.Payload != nil {
		clone.Payload = clonePayload(e.Payload)
	}

	if e.Labels != nil {
		clone.Labels = append([]string(nil), e.Labels...)
	}

	return &clone
}

// HasLabel reports whether the label is present.
func (e *Event) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}

	return false
}

// AddLabel appends label to the ordered set, preserving insertion order.
// The second return value reports whether the set changed.
func AddLabel(labels []string, label string) ([]string, bool) {
	for _, l := range labels {
		if l == label {
			return labels, false
		}
	}

	return append(labels, label), true
}

// clonePayload deep-copies the JSON-shaped payload map. Nested maps and
// slices are copied; scalar values are shared (they are immutable).
func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}
