package event

import "errors"

// Sentinel errors forming the store contract. They live in the domain
// package so store implementations and store consumers (orchestrator, mailer,
// inbound adapter) share one vocabulary without depending on each other.
var (
	// ErrDuplicateKey is returned when inserting an event whose id already
	// exists.
	ErrDuplicateKey = errors.New("event id already exists")

	// ErrNotFound is returned when the referenced event does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrConcurrency is returned when the optimistic concurrency token
	// (updated_at) moved between read and write. Callers racing for a claim
	// treat it as a benign loss.
	ErrConcurrency = errors.New("concurrent update detected")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
