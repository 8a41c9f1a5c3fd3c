package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/schema"
)

// InMemoryEventStore provides a thread-safe in-memory event store with the
// same lifecycle, schema, and concurrency semantics as the PostgreSQL store.
// Unit tests run against it; it also serves dry-run composition.
type InMemoryEventStore struct {
	// events maps event ids to records. Stored records are private copies;
	// all accessors hand out clones.
	events map[string]*event.Event
	// schemas is optional; nil accepts any payload.
	schemas *schema.Registry
	// now is injectable for deterministic updated_at progression in tests.
	now func() time.Time
	// mutex protects concurrent access to events.
	mutex sync.RWMutex
}

// InMemoryEventStoreOption configures optional InMemoryEventStore behavior.
type InMemoryEventStoreOption func(*InMemoryEventStore)

// WithMemoryClock overrides the store clock.
func WithMemoryClock(now func() time.Time) InMemoryEventStoreOption {
	return func(s *InMemoryEventStore) {
		s.now = now
	}
}

// WithMemorySchemas sets the payload schema registry.
func WithMemorySchemas(schemas *schema.Registry) InMemoryEventStoreOption {
	return func(s *InMemoryEventStore) {
		s.schemas = schemas
	}
}

// NewInMemoryEventStore creates an empty in-memory event store.
func NewInMemoryEventStore(opts ...InMemoryEventStoreOption) *InMemoryEventStore {
	store := &InMemoryEventStore{
		events: make(map[string]*event.Event),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// CreateEvent inserts a new event. Returns event.ErrDuplicateKey if the id exists.
func (s *InMemoryEventStore) CreateEvent(_ context.Context, evt *event.Event) error {
	if evt == nil {
		return fmt.Errorf("%w: event is nil", ErrEventInvalid)
	}

	if evt.ID == "" {
		return fmt.Errorf("%w: event id is empty", ErrEventInvalid)
	}

	if evt.Type == "" {
		return fmt.Errorf("%w: event type is empty", ErrEventInvalid)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.events[evt.ID]; exists {
		return fmt.Errorf("%w: %s", event.ErrDuplicateKey, evt.ID)
	}

	normalized := evt.Clone()

	now := s.now().UTC().Truncate(time.Microsecond)

	if normalized.CreatedAt.IsZero() {
		normalized.CreatedAt = now
	}

	if normalized.UpdatedAt.IsZero() {
		normalized.UpdatedAt = normalized.CreatedAt
	}

	if normalized.Status == "" {
		normalized.Status = event.StatusPending
	}

	if !normalized.Status.IsValid() {
		return fmt.Errorf("%w: %w: %q", ErrEventInvalid, event.ErrInvalidStatus, normalized.Status)
	}

	if normalized.Retries < 0 {
		return fmt.Errorf("%w: retries cannot be negative", ErrEventInvalid)
	}

	if normalized.Payload != nil && s.schemas != nil {
		if err := s.schemas.Validate(normalized.Type, normalized.Payload); err != nil {
			return err
		}
	}

	s.events[normalized.ID] = normalized
	*evt = *normalized.Clone()

	return nil
}

// Get returns a copy of the event or event.ErrNotFound.
func (s *InMemoryEventStore) Get(_ context.Context, eventID string) (*event.Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	evt, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
	}

	return evt.Clone(), nil
}

// Update applies a partial patch with the same validation order as the
// PostgreSQL store: existence, concurrency token, payload schema, lifecycle
// transition. The stored record is untouched on every failure path.
func (s *InMemoryEventStore) Update(_ context.Context, eventID string, patch event.Patch) (*event.Event, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
	}

	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(current.UpdatedAt) {
		return nil, fmt.Errorf("%w: %s", event.ErrConcurrency, eventID)
	}

	if patch.Payload != nil && s.schemas != nil {
		if err := s.schemas.Validate(current.Type, patch.Payload); err != nil {
			return nil, err
		}
	}

	next, err := applyPatch(current, patch)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Microsecond)
	}

	next.UpdatedAt = now

	s.events[eventID] = next

	return next.Clone(), nil
}

// ListPending returns up to limit PENDING events, oldest updated_at first.
func (s *InMemoryEventStore) ListPending(ctx context.Context, limit int) ([]*event.Event, error) {
	return s.ListByStatus(ctx, event.StatusPending, limit)
}

// ListByStatus returns up to limit events in the given status, oldest
// updated_at first.
func (s *InMemoryEventStore) ListByStatus(_ context.Context, status event.Status, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		return []*event.Event{}, nil
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	matched := []*event.Event{}

	for _, evt := range s.events {
		if evt.Status == status {
			matched = append(matched, evt.Clone())
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

// ListEvents returns a diagnostics page, newest created_at first, optionally
// filtered by correlation id.
func (s *InMemoryEventStore) ListEvents(_ context.Context, query ListQuery) ([]*event.Event, error) {
	if query.Limit <= 0 {
		return []*event.Event{}, nil
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	matched := []*event.Event{}

	for _, evt := range s.events {
		if query.CorrelationID != "" && evt.CorrelationID != query.CorrelationID {
			continue
		}

		matched = append(matched, evt.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	if offset >= len(matched) {
		return []*event.Event{}, nil
	}

	matched = matched[offset:]
	if len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}

	return matched, nil
}

// UpsertLabel appends the label if missing. Idempotent: a present label
// leaves the record unchanged, updated_at included.
func (s *InMemoryEventStore) UpsertLabel(_ context.Context, eventID, label string) (*event.Event, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
	}

	labels, changed := event.AddLabel(current.Labels, label)
	if !changed {
		return current.Clone(), nil
	}

	next := current.Clone()
	next.Labels = labels

	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Microsecond)
	}

	next.UpdatedAt = now

	s.events[eventID] = next

	return next.Clone(), nil
}

// GetStatus returns the lifecycle status of the event.
func (s *InMemoryEventStore) GetStatus(ctx context.Context, eventID string) (event.Status, error) {
	evt, err := s.Get(ctx, eventID)
	if err != nil {
		return "", err
	}

	return evt.Status, nil
}

// GetLabels returns the label list of the event.
func (s *InMemoryEventStore) GetLabels(ctx context.Context, eventID string) ([]string, error) {
	evt, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if evt.Labels == nil {
		return []string{}, nil
	}

	return evt.Labels, nil
}

// Len returns the number of stored events.
func (s *InMemoryEventStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.events)
}
