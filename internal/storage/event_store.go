package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/event"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/inbound"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/mailer"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/orchestrator"
	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/schema"
)

// Compile-time checks: the store satisfies every consumer-side contract.
var (
	_ orchestrator.Store = (*EventStore)(nil)
	_ mailer.Store       = (*EventStore)(nil)
	_ inbound.Store      = (*EventStore)(nil)

	_ orchestrator.Store = (*InMemoryEventStore)(nil)
	_ mailer.Store       = (*InMemoryEventStore)(nil)
	_ inbound.Store      = (*InMemoryEventStore)(nil)
)

// ErrEventInvalid is returned when a record fails basic field validation
// before it reaches the database. The store contract sentinels
// (event.ErrDuplicateKey, event.ErrNotFound, event.ErrConcurrency,
// event.ErrStorageUnavailable) live in the event package.
var ErrEventInvalid = errors.New("invalid event record")

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

const eventColumns = `event_id, event_type, created_at, updated_at, status, payload, labels,
		COALESCE(correlation_id, ''), retries, COALESCE(last_error, '')`

type (
	// EventStore implements the durable event store on PostgreSQL.
	//
	// All mutations run inside a transaction that locks the target row
	// (SELECT ... FOR UPDATE) and re-checks the updated_at token before
	// writing, so concurrent claims against the same row resolve to exactly
	// one winner.
	EventStore struct {
		conn    *Connection
		schemas *schema.Registry
		logger  *slog.Logger
		now     func() time.Time
	}

	// EventStoreOption configures optional EventStore behavior.
	EventStoreOption func(*EventStore)

	// ListQuery describes a paginated diagnostics listing.
	ListQuery struct {
		Limit         int
		Offset        int
		CorrelationID string
	}

	// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
	scanner interface {
		Scan(dest ...any) error
	}
)

// WithClock overrides the store clock. Tests use it to make updated_at
// progression deterministic.
func WithClock(now func() time.Time) EventStoreOption {
	return func(s *EventStore) {
		s.now = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) EventStoreOption {
	return func(s *EventStore) {
		s.logger = logger
	}
}

// NewEventStore creates a PostgreSQL-backed event store. The schema registry
// may be nil, in which case all payloads are accepted.
func NewEventStore(conn *Connection, schemas *schema.Registry, opts ...EventStoreOption) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &EventStore{
		conn:    conn,
		schemas: schemas,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// CreateEvent inserts a new event. Returns event.ErrDuplicateKey if the id exists.
// Zero timestamps default to now, an empty status defaults to PENDING, and
// the payload is schema-validated when the type has a registered schema.
func (s *EventStore) CreateEvent(ctx context.Context, evt *event.Event) error {
	normalized, err := s.normalizeForInsert(evt)
	if err != nil {
		return err
	}

	payloadJSON, labelsJSON, err := marshalDocumentColumns(normalized)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (event_id, event_type, created_at, updated_at, status,
			payload, labels, correlation_id, retries, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''))
	`

	_, err = s.conn.ExecContext(ctx, query,
		normalized.ID,
		normalized.Type,
		normalized.CreatedAt,
		normalized.UpdatedAt,
		string(normalized.Status),
		payloadJSON,
		labelsJSON,
		normalized.CorrelationID,
		normalized.Retries,
		normalized.LastError,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return fmt.Errorf("%w: %s", event.ErrDuplicateKey, normalized.ID)
		}

		return fmt.Errorf("%w: insert failed: %w", event.ErrStorageUnavailable, err)
	}

	// Propagate defaults back to the caller's record.
	*evt = *normalized

	return nil
}

// Get returns the event or event.ErrNotFound.
func (s *EventStore) Get(ctx context.Context, eventID string) (*event.Event, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)

	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
		}

		return nil, fmt.Errorf("%w: get failed: %w", event.ErrStorageUnavailable, err)
	}

	return evt, nil
}

// Update applies a partial patch atomically:
//
//  1. Begin a transaction and lock the current row.
//  2. Reject event.ErrNotFound when the row is absent.
//  3. If the caller supplied an ExpectedUpdatedAt token that no longer
//     matches, reject event.ErrConcurrency.
//  4. Schema-validate the patched payload for the row's type.
//  5. Validate the status transition against the lifecycle matrix.
//  6. Advance updated_at strictly past the observed value and write with a
//     token-guarded UPDATE; zero rows changed is event.ErrConcurrency.
//
// The stored row is untouched on every failure path, updated_at included.
func (s *EventStore) Update(ctx context.Context, eventID string, patch event.Patch) (*event.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", event.ErrStorageUnavailable, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	current, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1 FOR UPDATE`, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
		}

		return nil, fmt.Errorf("%w: read failed: %w", event.ErrStorageUnavailable, err)
	}

	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(current.UpdatedAt) {
		return nil, fmt.Errorf("%w: %s: token %s, observed %s", event.ErrConcurrency, eventID,
			current.UpdatedAt.Format(time.RFC3339Nano),
			patch.ExpectedUpdatedAt.Format(time.RFC3339Nano))
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

	next.UpdatedAt = s.advanceClock(current.UpdatedAt)

	payloadJSON, labelsJSON, err := marshalDocumentColumns(next)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE events
		SET status = $2, payload = $3, labels = $4, correlation_id = NULLIF($5, ''),
			retries = $6, last_error = NULLIF($7, ''), updated_at = $8
		WHERE event_id = $1 AND updated_at = $9
	`,
		eventID,
		string(next.Status),
		payloadJSON,
		labelsJSON,
		next.CorrelationID,
		next.Retries,
		next.LastError,
		next.UpdatedAt,
		current.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: write failed: %w", event.ErrStorageUnavailable, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rowcount failed: %w", event.ErrStorageUnavailable, err)
	}

	if affected == 0 {
		// The row is locked by this transaction, so a token mismatch here
		// means the clock comparison itself went wrong. Treat as a race.
		return nil, fmt.Errorf("%w: %s", event.ErrConcurrency, eventID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit failed: %w", event.ErrStorageUnavailable, err)
	}

	return next, nil
}

// ListPending returns up to limit PENDING events, oldest updated_at first.
// A non-positive limit returns an empty slice without touching the database.
func (s *EventStore) ListPending(ctx context.Context, limit int) ([]*event.Event, error) {
	return s.ListByStatus(ctx, event.StatusPending, limit)
}

// ListByStatus returns up to limit events in the given status, oldest
// updated_at first.
func (s *EventStore) ListByStatus(ctx context.Context, status event.Status, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		return []*event.Event{}, nil
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list failed: %w", event.ErrStorageUnavailable, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return collectEvents(rows)
}

// ListEvents returns a diagnostics page of events, newest created_at first,
// optionally filtered by correlation id.
func (s *EventStore) ListEvents(ctx context.Context, query ListQuery) ([]*event.Event, error) {
	if query.Limit <= 0 {
		return []*event.Event{}, nil
	}

	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		rows *sql.Rows
		err  error
	)

	if query.CorrelationID != "" {
		rows, err = s.conn.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE correlation_id = $1
				ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			query.CorrelationID, query.Limit, offset)
	} else {
		rows, err = s.conn.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			query.Limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: list failed: %w", event.ErrStorageUnavailable, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return collectEvents(rows)
}

// UpsertLabel appends the label if missing. Idempotent: when the label is
// already present the row is returned unchanged, updated_at included.
func (s *EventStore) UpsertLabel(ctx context.Context, eventID, label string) (*event.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", event.ErrStorageUnavailable, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1 FOR UPDATE`, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
		}

		return nil, fmt.Errorf("%w: read failed: %w", event.ErrStorageUnavailable, err)
	}

	labels, changed := event.AddLabel(current.Labels, label)
	if !changed {
		return current, nil
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("%w: label encoding failed: %w", ErrEventInvalid, err)
	}

	updatedAt := s.advanceClock(current.UpdatedAt)

	result, err := tx.ExecContext(ctx,
		`UPDATE events SET labels = $2, updated_at = $3 WHERE event_id = $1 AND updated_at = $4`,
		eventID, labelsJSON, updatedAt, current.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: write failed: %w", event.ErrStorageUnavailable, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rowcount failed: %w", event.ErrStorageUnavailable, err)
	}

	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", event.ErrConcurrency, eventID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit failed: %w", event.ErrStorageUnavailable, err)
	}

	current.Labels = labels
	current.UpdatedAt = updatedAt

	return current, nil
}

// GetStatus returns the lifecycle status of the event.
func (s *EventStore) GetStatus(ctx context.Context, eventID string) (event.Status, error) {
	var status string

	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM events WHERE event_id = $1`, eventID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
		}

		return "", fmt.Errorf("%w: get failed: %w", event.ErrStorageUnavailable, err)
	}

	return event.ParseStatus(status)
}

// GetLabels returns the label list of the event.
func (s *EventStore) GetLabels(ctx context.Context, eventID string) ([]string, error) {
	var labelsJSON []byte

	err := s.conn.QueryRowContext(ctx,
		`SELECT labels FROM events WHERE event_id = $1`, eventID).Scan(&labelsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", event.ErrNotFound, eventID)
		}

		return nil, fmt.Errorf("%w: get failed: %w", event.ErrStorageUnavailable, err)
	}

	labels := []string{}
	if err := json.Unmarshal(labelsJSON, &labels); err != nil {
		return nil, fmt.Errorf("%w: label decoding failed: %w", ErrEventInvalid, err)
	}

	return labels, nil
}

// HealthCheck verifies the backing database is reachable.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// normalizeForInsert validates required fields and fills creation defaults
// on a copy of the record.
func (s *EventStore) normalizeForInsert(evt *event.Event) (*event.Event, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: event is nil", ErrEventInvalid)
	}

	if evt.ID == "" {
		return nil, fmt.Errorf("%w: event id is empty", ErrEventInvalid)
	}

	if evt.Type == "" {
		return nil, fmt.Errorf("%w: event type is empty", ErrEventInvalid)
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
		return nil, fmt.Errorf("%w: %w: %q", ErrEventInvalid, event.ErrInvalidStatus, normalized.Status)
	}

	if normalized.Retries < 0 {
		return nil, fmt.Errorf("%w: retries cannot be negative", ErrEventInvalid)
	}

	if normalized.Payload != nil && s.schemas != nil {
		if err := s.schemas.Validate(normalized.Type, normalized.Payload); err != nil {
			return nil, err
		}
	}

	return normalized, nil
}

// advanceClock returns a UTC timestamp strictly greater than observed, even
// when the wall clock has not moved past it at microsecond resolution.
func (s *EventStore) advanceClock(observed time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(observed) {
		now = observed.Add(time.Microsecond)
	}

	return now
}

// applyPatch composes the updated row. Status transitions are validated even
// when the patch carries no status, so writes against terminal rows stay
// no-ops rather than silently resurrecting them.
func applyPatch(current *event.Event, patch event.Patch) (*event.Event, error) {
	target := current.Status
	if patch.Status != nil {
		target = *patch.Status
	}

	if err := event.ValidateTransition(current.Status, target); err != nil {
		return nil, err
	}

	next := current.Clone()
	next.Status = target

	if patch.Payload != nil {
		next.Payload = patch.Payload
	}

	if patch.Labels != nil {
		next.Labels = patch.Labels
	}

	if patch.CorrelationID != nil {
		next.CorrelationID = *patch.CorrelationID
	}

	if patch.Retries != nil {
		if *patch.Retries < current.Retries {
			return nil, fmt.Errorf("%w: retries cannot decrease (%d → %d)",
				ErrEventInvalid, current.Retries, *patch.Retries)
		}

		next.Retries = *patch.Retries
	}

	if patch.LastError != nil {
		next.LastError = *patch.LastError
	}

	return next, nil
}

// marshalDocumentColumns encodes the JSONB columns. Nil payload and labels
// encode as empty object and empty array respectively.
func marshalDocumentColumns(evt *event.Event) ([]byte, []byte, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payload encoding failed: %w", ErrEventInvalid, err)
	}

	labels := evt.Labels
	if labels == nil {
		labels = []string{}
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: label encoding failed: %w", ErrEventInvalid, err)
	}

	return payloadJSON, labelsJSON, nil
}

// scanEvent maps one row onto the domain event.
func scanEvent(row scanner) (*event.Event, error) {
	var (
		evt         event.Event
		status      string
		payloadJSON []byte
		labelsJSON  []byte
	)

	err := row.Scan(
		&evt.ID,
		&evt.Type,
		&evt.CreatedAt,
		&evt.UpdatedAt,
		&status,
		&payloadJSON,
		&labelsJSON,
		&evt.CorrelationID,
		&evt.Retries,
		&evt.LastError,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := event.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	evt.Status = parsed
	evt.CreatedAt = evt.CreatedAt.UTC()
	evt.UpdatedAt = evt.UpdatedAt.UTC()

	if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload decoding failed: %w", ErrEventInvalid, err)
	}

	labels := []string{}
	if err := json.Unmarshal(labelsJSON, &labels); err != nil {
		return nil, fmt.Errorf("%w: label decoding failed: %w", ErrEventInvalid, err)
	}

	if len(labels) > 0 {
		evt.Labels = labels
	}

	return &evt, nil
}

// collectEvents drains rows into a slice.
func collectEvents(rows *sql.Rows) ([]*event.Event, error) {
	events := []*event.Event{}

	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan failed: %w", event.ErrStorageUnavailable, err)
		}

		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iteration failed: %w", event.ErrStorageUnavailable, err)
	}

	return events, nil
}
