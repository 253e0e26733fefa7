package memory

import (
	"errors"
	"fmt"
)

// Error taxonomy. Adapter-level failures are translated into one of these at
// the pipeline/worker boundary; raw driver errors never cross it.
var (
	// ErrValidation marks a malformed event or query. Never retried.
	ErrValidation = errors.New("memtier: validation failed")

	// ErrAdapterUnavailable marks a transient storage adapter failure.
	ErrAdapterUnavailable = errors.New("memtier: storage adapter unavailable")

	// ErrNotFound is the distinct not-found condition every adapter must
	// report. Expected during tier races; triggers fallback lookup.
	ErrNotFound = errors.New("memtier: not found")

	// ErrInconsistentState marks a tombstone whose archive and cold copies
	// are both missing. Logged as a defect, never silently dropped.
	ErrInconsistentState = errors.New("memtier: inconsistent tier state")

	// ErrVersionConflict is returned by version-checked updates when the row
	// changed underneath the caller.
	ErrVersionConflict = errors.New("memtier: version conflict")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrAdapterUnavailable, op, err)
}
