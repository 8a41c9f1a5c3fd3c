// Package orchestrator provides the polling workflow engine: the handler
// contract, the type-keyed handler registry, the retry policy, and the
// claim/process/finalize loop over the event store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
)

// Sentinel errors for handler registration and dispatch.
var (
	// ErrHandlerMissing indicates no handler is registered for an event type.
	ErrHandlerMissing = errors.New("no handler registered for event type")

	// ErrHandlerPanic wraps a panic recovered from a handler invocation.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrEventTypeEmpty is returned when registering a handler without an
	// event type.
	ErrEventTypeEmpty = errors.New("event type cannot be empty")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("handler cannot be nil")
)

type (
	// Handler processes one claimed event and returns a normalized outcome.
	//
	// Handlers must be idempotent with respect to the event's own state: the
	// orchestrator may invoke them again after a crash. Handlers must not
	// write the event store for the event they were handed: the orchestrator
	// is the sole writer of that row's status and retry counter. Returning an
	// error counts the attempt against the retry budget.
	Handler interface {
		Handle(ctx context.Context, evt *event.Event) (Result, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, evt *event.Event) (Result, error)

	// Result is the normalized handler outcome. A zero Status finalizes the
	// event COMPLETED.
	Result struct {
		// Status is the target lifecycle state (COMPLETED, WAITING_USER or
		// FAILED). PENDING/IN_PROGRESS are not valid handler outcomes.
		Status event.Status

		// Payload, when non-nil, replaces the stored payload.
		Payload map[string]any

		// Labels are appended to the stored label set.
		Labels []string

		// CorrelationID, when non-empty, is written to the event.
		CorrelationID string

		// Error is persisted as last_error when Status is FAILED.
		Error string

		// Notification must be set when Status is WAITING_USER; the
		// orchestrator hands it to the notification publisher after the row
		// is persisted.
		Notification *Notification
	}

	// Notification describes the operator message emitted when an event
	// suspends in WAITING_USER.
	Notification struct {
		To      string
		Subject string
		Body    string
	}

	// Registry maps event types to handlers. Built at the composition root,
	// read-only once the orchestrator starts.
	Registry struct {
		handlers map[string]Handler
	}
)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, evt *event.Event) (Result, error) {
	return f(ctx, evt)
}

// Completed returns a terminal-success result, optionally carrying a new
// payload.
func Completed(payload map[string]any) Result {
	return Result{Status: event.StatusCompleted, Payload: payload}
}

// WaitingUser returns a suspension result carrying the operator notification.
func WaitingUser(notification Notification) Result {
	n := notification

	return Result{Status: event.StatusWaitingUser, Notification: &n}
}

// Failed returns a fatal result; reason is persisted as last_error and the
// event is not retried.
func Failed(reason string) Result {
	return Result{Status: event.StatusFailed, Error: reason}
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type, replacing any previous binding.
func (r *Registry) Register(eventType string, handler Handler) error {
	if eventType == "" {
		return ErrEventTypeEmpty
	}

	if handler == nil {
		return ErrNilHandler
	}

	r.handlers[eventType] = handler

	return nil
}

// Lookup returns the handler for an event type.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	handler, ok := r.handlers[eventType]

	return handler, ok
}

// Has reports whether a handler is registered for the event type.
func (r *Registry) Has(eventType string) bool {
	_, ok := r.handlers[eventType]

	return ok
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}

// invoke runs the handler, converting a panic into an error wrapping
// ErrHandlerPanic so a crashing handler finalizes its event instead of
// taking down the loop.
func invoke(ctx context.Context, handler Handler, evt *event.Event) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return handler.Handle(ctx, evt)
}
