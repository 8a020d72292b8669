package archive

import "errors"

var (
	// ErrIncompatible means an existing archive cannot be reused: wrong
	// label, fingerprint mismatch, or unreadable structure. Callers start
	// a fresh archive.
	ErrIncompatible = errors.New("archive: incompatible")

	// ErrCorrupt marks structural damage. It is always wrapped together
	// with ErrIncompatible.
	ErrCorrupt = errors.New("archive: corrupt")

	// ErrLocked is returned by TryLockForWrite when another holder has
	// the lock.
	ErrLocked = errors.New("archive: locked")

	// ErrOutOfOrder rejects appends that break scan index contiguity or
	// timestamp ordering.
	ErrOutOfOrder = errors.New("archive: out of order")

	// ErrReadOnly rejects writes through a reader handle.
	ErrReadOnly = errors.New("archive: read-only handle")
)

// corrupt wraps a structural problem so it matches both ErrCorrupt and
// ErrIncompatible.
type corruptError struct{ msg string }

func (e *corruptError) Error() string { return "archive: corrupt: " + e.msg }

func (e *corruptError) Is(target error) bool {
	return target == ErrCorrupt || target == ErrIncompatible
}
