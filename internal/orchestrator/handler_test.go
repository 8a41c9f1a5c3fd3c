package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	noop := HandlerFunc(func(_ context.Context, _ *event.Event) (Result, error) {
		return Completed(nil), nil
	})

	t.Run("registered handler is found", func(t *testing.T) {
		r := NewRegistry()

		require.NoError(t, r.Register("ResearchRequested", noop))

		handler, ok := r.Lookup("ResearchRequested")
		assert.True(t, ok)
		assert.NotNil(t, handler)
		assert.True(t, r.Has("ResearchRequested"))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("unknown type is not found", func(t *testing.T) {
		r := NewRegistry()

		_, ok := r.Lookup("Unknown")
		assert.False(t, ok)
	})

	t.Run("empty type rejected", func(t *testing.T) {
		r := NewRegistry()

		assert.ErrorIs(t, r.Register("", noop), ErrEventTypeEmpty)
	})

	t.Run("nil handler rejected", func(t *testing.T) {
		r := NewRegistry()

		assert.ErrorIs(t, r.Register("ResearchRequested", nil), ErrNilHandler)
	})

	t.Run("re-registration replaces", func(t *testing.T) {
		r := NewRegistry()

		require.NoError(t, r.Register("ResearchRequested", noop))
		require.NoError(t, r.Register("ResearchRequested", HandlerFunc(
			func(_ context.Context, _ *event.Event) (Result, error) {
				return Failed("replaced"), nil
			})))

		handler, ok := r.Lookup("ResearchRequested")
		require.True(t, ok)

		result, err := handler.Handle(context.Background(), &event.Event{})
		require.NoError(t, err)
		assert.Equal(t, "replaced", result.Error)
	})
}

func TestResultHelpers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("Completed", func(t *testing.T) {
		result := Completed(map[string]any{"ok": true})

		assert.Equal(t, event.StatusCompleted, result.Status)
		assert.Equal(t, map[string]any{"ok": true}, result.Payload)
	})

	t.Run("WaitingUser copies the notification", func(t *testing.T) {
		n := Notification{To: "ops@example.com", Subject: "Decision needed", Body: "Please review."}
		result := WaitingUser(n)

		require.NotNil(t, result.Notification)
		assert.Equal(t, event.StatusWaitingUser, result.Status)
		assert.Equal(t, "ops@example.com", result.Notification.To)

		// The result holds its own copy.
		n.To = "other@example.com"
		assert.Equal(t, "ops@example.com", result.Notification.To)
	})

	t.Run("Failed", func(t *testing.T) {
		result := Failed("validation_failed")

		assert.Equal(t, event.StatusFailed, result.Status)
		assert.Equal(t, "validation_failed", result.Error)
	})
}

func TestInvokeRecoversPanic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	panicking := HandlerFunc(func(_ context.Context, _ *event.Event) (Result, error) {
		panic("nil map write")
	})

	_, err := invoke(context.Background(), panicking, &event.Event{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "nil map write")
}

func TestInvokePassesThroughResultAndError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	wantErr := errors.New("transient")

	failing := HandlerFunc(func(_ context.Context, _ *event.Event) (Result, error) {
		return Result{}, wantErr
	})

	_, err := invoke(context.Background(), failing, &event.Event{})
	assert.ErrorIs(t, err, wantErr)

	succeeding := HandlerFunc(func(_ context.Context, evt *event.Event) (Result, error) {
		return Completed(map[string]any{"id": evt.ID}), nil
	})

	result, err := invoke(context.Background(), succeeding, &event.Event{ID: "EVT-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "EVT-1"}, result.Payload)
}
