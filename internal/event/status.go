// Package event provides the domain model for workflow events: the durable
// event record, the status lifecycle state machine, and the event id factory.
package event

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for lifecycle validation.
// These can be used with errors.Is() for error checking.
var (
	// ErrIllegalTransition indicates a status transition rejected by the lifecycle matrix.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrInvalidStatus indicates a status string outside the closed enumeration.
	ErrInvalidStatus = errors.New("invalid status")
)

// Status represents the lifecycle state of an event.
type Status string

// The six lifecycle states. COMPLETED, FAILED and CANCELED are terminal.
const (
	StatusPending     Status = "PENDING"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusWaitingUser Status = "WAITING_USER"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCanceled    Status = "CANCELED"
)

// forwardTransitions holds the legal forward transitions per state.
// CANCELED is additionally admissible from any non-terminal state and is
// handled in ValidateTransition rather than listed here.
var forwardTransitions = map[Status][]Status{
	StatusPending:     {StatusInProgress},
	StatusInProgress:  {StatusCompleted, StatusWaitingUser, StatusFailed},
	StatusWaitingUser: {StatusPending, StatusInProgress, StatusFailed},
	StatusCompleted:   {},
	StatusFailed:      {},
	StatusCanceled:    {},
}

// IsValid reports whether s is one of the six lifecycle states.
func (s Status) IsValid() bool {
	_, ok := forwardTransitions[s]

	return ok
}

// IsTerminal reports whether s is a terminal state (COMPLETED, FAILED, CANCELED).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// ParseStatus converts a stored status string back into a Status.
// Returns ErrInvalidStatus for anything outside the closed enumeration.
func ParseStatus(value string) (Status, error) {
	s := Status(value)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}

	return s, nil
}

// AllowedTransitions returns the full set of states reachable from the given
// state, including CANCELED for non-terminal states. The returned slice is a
// copy and safe to modify.
func AllowedTransitions(from Status) []Status {
	forward := forwardTransitions[from]

	allowed := make([]Status, 0, len(forward)+1)
	allowed = append(allowed, forward...)

	if !from.IsTerminal() {
		allowed = append(allowed, StatusCanceled)
	}

	return allowed
}

// TransitionError carries the structured detail of a rejected transition:
// the current state, the attempted state, and the full allowed set.
type TransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}

	return fmt.Sprintf("illegal status transition: %s → %s (allowed: [%s])",
		e.From, e.To, strings.Join(allowed, ", "))
}

// Unwrap makes the error matchable via errors.Is(err, ErrIllegalTransition).
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// ValidateTransition validates a status transition according to the lifecycle
// matrix:
//
//   - PENDING → IN_PROGRESS
//   - IN_PROGRESS → COMPLETED, WAITING_USER, FAILED
//   - WAITING_USER → PENDING, IN_PROGRESS, FAILED
//   - CANCELED from any non-terminal state
//   - same state → same state (no-op, always legal)
//
// Terminal states (COMPLETED, FAILED, CANCELED) admit no further change.
// On rejection the returned error is a *TransitionError carrying from, to,
// and the allowed set for the current state.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	// Same-state writes are no-ops and always legal, terminal states included.
	if from == to {
		return nil
	}

	if to == StatusCanceled && !from.IsTerminal() {
		return nil
	}

	for _, next := range forwardTransitions[from] {
		if next == to {
			return nil
		}
	}

	return &TransitionError{
		From:    from,
		To:      to,
		Allowed: AllowedTransitions(from),
	}
}
