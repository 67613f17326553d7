package models

import "errors"

// Error taxonomy for entry creation and execution. Everything up
// through handler invocation is captured into the entry's failure
// state; only ErrCleanup surfaces past the execution engine.
var (
	// ErrValidation rejects entries missing required fields before
	// they are persisted.
	ErrValidation = errors.New("queue entry validation failed")

	// ErrInvalidAction flags an owner type outside the closed
	// enumeration, or a method outside the allow-list.
	ErrInvalidAction = errors.New("invalid action owner type or method")

	// ErrNotFound flags an action_id that resolves to no instance.
	ErrNotFound = errors.New("action target not found")

	// ErrContractViolation flags a handler whose result is missing the
	// required shape. Indicates a handler bug.
	ErrContractViolation = errors.New("action result violates handler contract")

	// ErrHandler wraps an error raised by the invoked handler itself.
	ErrHandler = errors.New("action handler failed")

	// ErrCleanup flags a failure while deleting, logging, rescheduling,
	// or notifying. Fatal to the work unit: silent loss of the audit
	// trail is unacceptable.
	ErrCleanup = errors.New("entry cleanup failed")
)
