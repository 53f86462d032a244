package types

import "errors"

// Shared error taxonomy. Everything except ErrDuplicateEvent aborts the
// enclosing transaction and surfaces to the caller or job report;
// ErrDuplicateEvent is a no-op success swallowed at the consumer boundary.
var (
	// ErrValidation covers malformed input, rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientHoldings is returned when a sell reservation cannot
	// be covered by the investor's available quantity.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrInvariantViolation marks a defensive check that fired (fulfilled
	// beyond original, reservation going negative). It indicates a bug and
	// is logged as such; the transaction is aborted.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned for unknown orders and trading pairs.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEvent signals an idempotency hit: the event was already
	// applied. Not an error condition for the caller.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUnsupportedUpdate is returned when the external event path tries
	// to mutate an EXCHANGE-kind order.
	ErrUnsupportedUpdate = errors.New("unsupported update for exchange order")

	// ErrOrderNotOpen is returned when an optimistic status guard finds an
	// order no longer OPEN mid-operation.
	ErrOrderNotOpen = errors.New("order no longer open")
)
