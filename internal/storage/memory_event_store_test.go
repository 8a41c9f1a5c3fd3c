package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/schema"
)

const memTestSchema = `{
  "type": "object",
  "required": ["company"],
  "properties": {"company": {"type": "string"}}
}`

// frozenClock returns a clock stuck at a fixed instant, forcing the store to
// exercise its strict updated_at advancement.
func frozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMemoryStoreCreateEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("fills creation defaults", func(t *testing.T) {
		store := NewInMemoryEventStore()

		evt := &event.Event{ID: event.NewEventID(), Type: "ResearchRequested"}
		require.NoError(t, store.CreateEvent(ctx, evt))

		assert.Equal(t, event.StatusPending, evt.Status)
		assert.False(t, evt.CreatedAt.IsZero())
		assert.True(t, evt.UpdatedAt.Equal(evt.CreatedAt))
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		store := NewInMemoryEventStore()

		evt := event.New("ResearchRequested", nil)
		require.NoError(t, store.CreateEvent(ctx, evt))

		dup := &event.Event{ID: evt.ID, Type: "ResearchRequested"}
		err := store.CreateEvent(ctx, dup)
		assert.ErrorIs(t, err, event.ErrDuplicateKey)
	})

	t.Run("missing id or type rejected", func(t *testing.T) {
		store := NewInMemoryEventStore()

		err := store.CreateEvent(ctx, &event.Event{Type: "ResearchRequested"})
		assert.ErrorIs(t, err, ErrEventInvalid)

		err = store.CreateEvent(ctx, &event.Event{ID: event.NewEventID()})
		assert.ErrorIs(t, err, ErrEventInvalid)
	})

	t.Run("schema validation enforced on insert", func(t *testing.T) {
		schemas := schema.NewRegistry()
		require.NoError(t, schemas.Register("ResearchRequested", memTestSchema))

		store := NewInMemoryEventStore(WithMemorySchemas(schemas))

		bad := event.New("ResearchRequested", map[string]any{"other": 1})
		assert.ErrorIs(t, store.CreateEvent(ctx, bad), schema.ErrSchemaInvalid)

		good := event.New("ResearchRequested", map[string]any{"company": "ACME"})
		assert.NoError(t, store.CreateEvent(ctx, good))
	})

	t.Run("stored record is isolated from caller", func(t *testing.T) {
		store := NewInMemoryEventStore()

		evt := event.New("ResearchRequested", map[string]any{"company": "ACME"})
		require.NoError(t, store.CreateEvent(ctx, evt))

		evt.Payload["company"] = "mutated"

		got, err := store.Get(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, "ACME", got.Payload["company"])
	})
}

func TestMemoryStoreGet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryEventStore()

	_, err := store.Get(ctx, "EVT-20260101000000-AAAAAAAAAA")
	assert.ErrorIs(t, err, event.ErrNotFound)
}

func TestMemoryStoreUpdate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	newPendingEvent := func(t *testing.T, store *InMemoryEventStore) *event.Event {
		t.Helper()

		evt := event.New("ResearchRequested", map[string]any{"company": "ACME"})
		require.NoError(t, store.CreateEvent(ctx, evt))

		return evt
	}

	t.Run("status transition applied and updated_at advances", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := newPendingEvent(t, store)

		inProgress := event.StatusInProgress

		updated, err := store.Update(ctx, evt.ID, event.Patch{Status: &inProgress})
		require.NoError(t, err)

		assert.Equal(t, event.StatusInProgress, updated.Status)
		assert.True(t, updated.UpdatedAt.After(evt.UpdatedAt), "updated_at must strictly increase")
	})

	t.Run("frozen clock still advances updated_at", func(t *testing.T) {
		at := time.Date(2026, 5, 15, 10, 30, 0, 0, time.UTC)
		store := NewInMemoryEventStore(WithMemoryClock(frozenClock(at)))
		evt := newPendingEvent(t, store)

		inProgress := event.StatusInProgress
		first, err := store.Update(ctx, evt.ID, event.Patch{Status: &inProgress})
		require.NoError(t, err)

		second, err := store.Update(ctx, evt.ID, event.Patch{Status: &inProgress})
		require.NoError(t, err)

		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	})

	t.Run("illegal transition rejected without side effects", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := newPendingEvent(t, store)

		completed := event.StatusCompleted

		_, err := store.Update(ctx, evt.ID, event.Patch{Status: &completed})
		assert.ErrorIs(t, err, event.ErrIllegalTransition)

		// The stored row is untouched, token included.
		got, err := store.Get(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusPending, got.Status)
		assert.True(t, got.UpdatedAt.Equal(evt.UpdatedAt))
	})

	t.Run("same-state write is a legal no-op transition", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := newPendingEvent(t, store)

		pending := event.StatusPending

		updated, err := store.Update(ctx, evt.ID, event.Patch{Status: &pending})
		require.NoError(t, err)
		assert.Equal(t, event.StatusPending, updated.Status)
	})

	t.Run("stale token rejected with ErrConcurrency", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := newPendingEvent(t, store)

		stale := evt.UpdatedAt

		inProgress := event.StatusInProgress
		_, err := store.Update(ctx, evt.ID, event.Patch{Status: &inProgress, ExpectedUpdatedAt: &stale})
		require.NoError(t, err)

		// Second claim with the same stale token loses.
		_, err = store.Update(ctx, evt.ID, event.Patch{Status: &inProgress, ExpectedUpdatedAt: &stale})
		assert.ErrorIs(t, err, event.ErrConcurrency)
	})

	t.Run("retries never decrease", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := newPendingEvent(t, store)

		two := 2
		_, err := store.Update(ctx, evt.ID, event.Patch{Retries: &two})
		require.NoError(t, err)

		one := 1
		_, err = store.Update(ctx, evt.ID, event.Patch{Retries: &one})
		assert.ErrorIs(t, err, ErrEventInvalid)
	})

	t.Run("correlation id set and cleared via pointer", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := newPendingEvent(t, store)

		mid := "<reply-1@mail.example>"
		updated, err := store.Update(ctx, evt.ID, event.Patch{CorrelationID: &mid})
		require.NoError(t, err)
		assert.Equal(t, mid, updated.CorrelationID)

		cleared := ""
		updated, err = store.Update(ctx, evt.ID, event.Patch{CorrelationID: &cleared})
		require.NoError(t, err)
		assert.Empty(t, updated.CorrelationID)
	})

	t.Run("patched payload is schema validated", func(t *testing.T) {
		schemas := schema.NewRegistry()
		require.NoError(t, schemas.Register("ResearchRequested", memTestSchema))

		store := NewInMemoryEventStore(WithMemorySchemas(schemas))
		evt := newPendingEvent(t, store)

		_, err := store.Update(ctx, evt.ID, event.Patch{Payload: map[string]any{"other": true}})
		assert.ErrorIs(t, err, schema.ErrSchemaInvalid)
	})

	t.Run("terminal row rejects further change", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := newPendingEvent(t, store)

		inProgress := event.StatusInProgress
		_, err := store.Update(ctx, evt.ID, event.Patch{Status: &inProgress})
		require.NoError(t, err)

		completed := event.StatusCompleted
		_, err = store.Update(ctx, evt.ID, event.Patch{Status: &completed})
		require.NoError(t, err)

		pending := event.StatusPending
		_, err = store.Update(ctx, evt.ID, event.Patch{Status: &pending})
		assert.ErrorIs(t, err, event.ErrIllegalTransition)
	})

	t.Run("unknown event rejected", func(t *testing.T) {
		store := NewInMemoryEventStore()

		inProgress := event.StatusInProgress
		_, err := store.Update(ctx, "EVT-20260101000000-AAAAAAAAAA", event.Patch{Status: &inProgress})
		assert.ErrorIs(t, err, event.ErrNotFound)
	})
}

func TestMemoryStoreCancelFromAnyNonTerminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	canceled := event.StatusCanceled

	advance := func(t *testing.T, store *InMemoryEventStore, id string, statuses ...event.Status) {
		t.Helper()

		for _, s := range statuses {
			status := s
			_, err := store.Update(ctx, id, event.Patch{Status: &status})
			require.NoError(t, err)
		}
	}

	t.Run("from PENDING", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := event.New("ResearchRequested", nil)
		require.NoError(t, store.CreateEvent(ctx, evt))

		updated, err := store.Update(ctx, evt.ID, event.Patch{Status: &canceled})
		require.NoError(t, err)
		assert.Equal(t, event.StatusCanceled, updated.Status)
	})

	t.Run("from WAITING_USER", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := event.New("ResearchRequested", nil)
		require.NoError(t, store.CreateEvent(ctx, evt))

		advance(t, store, evt.ID, event.StatusInProgress, event.StatusWaitingUser)

		updated, err := store.Update(ctx, evt.ID, event.Patch{Status: &canceled})
		require.NoError(t, err)
		assert.Equal(t, event.StatusCanceled, updated.Status)
	})

	t.Run("not from COMPLETED", func(t *testing.T) {
		store := NewInMemoryEventStore()
		evt := event.New("ResearchRequested", nil)
		require.NoError(t, store.CreateEvent(ctx, evt))

		advance(t, store, evt.ID, event.StatusInProgress, event.StatusCompleted)

		_, err := store.Update(ctx, evt.ID, event.Patch{Status: &canceled})
		assert.ErrorIs(t, err, event.ErrIllegalTransition)
	})
}

func TestMemoryStoreListPending(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("oldest updated_at first, limit respected", func(t *testing.T) {
		store := NewInMemoryEventStore()

		base := time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC)

		var ids []string

		for i := 0; i < 3; i++ {
			evt := event.New("ResearchRequested", nil)
			evt.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			evt.UpdatedAt = evt.CreatedAt
			require.NoError(t, store.CreateEvent(ctx, evt))
			ids = append(ids, evt.ID)
		}

		pending, err := store.ListPending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, ids[0], pending[0].ID)
		assert.Equal(t, ids[1], pending[1].ID)
	})

	t.Run("non-pending events excluded", func(t *testing.T) {
		store := NewInMemoryEventStore()

		evt := event.New("ResearchRequested", nil)
		require.NoError(t, store.CreateEvent(ctx, evt))

		inProgress := event.StatusInProgress
		_, err := store.Update(ctx, evt.ID, event.Patch{Status: &inProgress})
		require.NoError(t, err)

		pending, err := store.ListPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("non-positive limit yields empty slice", func(t *testing.T) {
		store := NewInMemoryEventStore()

		pending, err := store.ListPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestMemoryStoreListEvents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryEventStore()

	base := time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC)

	var ids []string

	for i := 0; i < 3; i++ {
		evt := event.New("ResearchRequested", nil)
		evt.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		evt.UpdatedAt = evt.CreatedAt
		require.NoError(t, store.CreateEvent(ctx, evt))
		ids = append(ids, evt.ID)
	}

	mid := "<mail-1@example>"
	_, err := store.Update(ctx, ids[1], event.Patch{CorrelationID: &mid})
	require.NoError(t, err)

	t.Run("newest created_at first with offset", func(t *testing.T) {
		page, err := store.ListEvents(ctx, ListQuery{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[1], page[0].ID)
		assert.Equal(t, ids[0], page[1].ID)
	})

	t.Run("correlation id filter", func(t *testing.T) {
		page, err := store.ListEvents(ctx, ListQuery{Limit: 10, CorrelationID: mid})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[1], page[0].ID)
	})

	t.Run("offset past the end yields empty slice", func(t *testing.T) {
		page, err := store.ListEvents(ctx, ListQuery{Limit: 10, Offset: 99})
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestMemoryStoreUpsertLabel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryEventStore()

	evt := event.New("ResearchRequested", nil)
	require.NoError(t, store.CreateEvent(ctx, evt))

	first, err := store.UpsertLabel(ctx, evt.ID, "reviewed")
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewed"}, first.Labels)
	assert.True(t, first.UpdatedAt.After(evt.UpdatedAt))

	// Second upsert of the same label is a full no-op.
	second, err := store.UpsertLabel(ctx, evt.ID, "reviewed")
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewed"}, second.Labels)
	assert.True(t, second.UpdatedAt.Equal(first.UpdatedAt), "idempotent upsert must not touch updated_at")

	labels, err := store.GetLabels(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewed"}, labels)
}

func TestMemoryStoreGetStatus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryEventStore()

	evt := event.New("ResearchRequested", nil)
	require.NoError(t, store.CreateEvent(ctx, evt))

	status, err := store.GetStatus(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusPending, status)

	_, err = store.GetStatus(ctx, "EVT-20260101000000-AAAAAAAAAA")
	assert.ErrorIs(t, err, event.ErrNotFound)
}
