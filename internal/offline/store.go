package offline

import (
	"context"
	"errors"
)

// Predefined storage errors.
var (
	// ErrEntryNotFound is returned by Get when no valid entry exists for a key.
	// Absence is not a failure; the guard never reports it to the error observer.
	ErrEntryNotFound = errors.New("flag entry not found")

	// ErrCorruptEntry is returned by Get when a stored payload fails to parse.
	// The offending slot is cleared before the error is returned so the same
	// corrupt bytes are not hit again.
	ErrCorruptEntry = errors.New("corrupt flag entry")

	// ErrPayloadTooLarge is returned by Set when a serialized entry exceeds the
	// backend's size limit. The write is not performed.
	ErrPayloadTooLarge = errors.New("entry payload too large")
)

// Store is the storage adapter contract. One Store instance is bound to one
// Guard for its lifetime.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Available reports whether the backend can currently serve operations.
	// It never returns an error; any environment limitation yields false.
	Available(ctx context.Context) bool

	// Get returns the entry for a key. A present-but-expired or
	// present-but-corrupt entry is deleted and reported as ErrEntryNotFound
	// or ErrCorruptEntry respectively.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set serializes and writes an entry, replacing any previous one.
	Set(ctx context.Context, key string, e *Entry) error

	// Delete removes the slot for a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
