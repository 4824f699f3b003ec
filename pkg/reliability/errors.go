package reliability

import "errors"

var (
	// ErrNotFound means no message or delivery log exists for the id.
	ErrNotFound = errors.New("message not found")

	// ErrAlreadyDeleted means the delivery log reached DELETED, which
	// is never mutated again.
	ErrAlreadyDeleted = errors.New("message already deleted")

	// ErrInvalidState means the current status does not permit the
	// requested operation.
	ErrInvalidState = errors.New("message status does not permit operation")
)
