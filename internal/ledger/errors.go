package ledger

import "errors"

var (
	// ErrValidation marks malformed or rule-breaking input. Not retryable.
	ErrValidation = errors.New("invalid event")
	// ErrInsufficientQuantity rejects an event that would drive a vial's
	// remaining quantity below zero. Not retryable.
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	// ErrDuplicateEvent signals an event id that is already recorded. The
	// store treats it as an idempotent no-op; callers see the current
	// projection and success.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrUnknownEventType indicates a schema or version mismatch. Fatal.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrTimeout marks a record transaction that hit its deadline. Safe to
	// retry with the same event id.
	ErrTimeout = errors.New("ledger transaction timeout")
	// ErrNotFound is returned for aggregates with no history.
	ErrNotFound = errors.New("not found")
	// ErrVialCompleted rejects dispensing from a completed vial.
	ErrVialCompleted = errors.New("vial completed")
	// ErrAlreadyRegistered rejects a second registration of the same vial.
	ErrAlreadyRegistered = errors.New("vial already registered")
)
