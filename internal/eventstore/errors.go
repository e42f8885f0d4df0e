package eventstore

import "errors"

var (
	// ErrNotFound indicates a missing meta or history document.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a document id collision on insert.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict indicates a stale compare-and-swap token. The caller must
	// re-read and retry; the store never retries concurrent-write conflicts
	// on its own.
	ErrConflict = errors.New("version conflict")
	// ErrPreconditionFailed indicates an action that is not valid given the
	// current state, or an undo/redo that would produce an unfoldable log.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrValidationFailed indicates a payload or state schema mismatch.
	ErrValidationFailed = errors.New("validation failed")
)
