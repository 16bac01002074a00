// Package offline provides offline resilience for feature flag evaluation.
// Successful evaluations are persisted to a pluggable storage backend with a
// per-entry TTL, and previously observed values are served when the wrapped
// evaluator fails.
package offline

import (
	"encoding/json"
	"errors"
	"time"
)

// Entry is the persisted record of one flag's last known value.
// Entries are never mutated in place; every write is a full replacement.
type Entry struct {
	// Value is the flag's last known evaluation result.
	Value bool `json:"value"`

	// PersistedAt is when this record was written.
	PersistedAt time.Time `json:"persistedAt"`

	// ExpiresAt is when this record becomes invalid. Nil means no expiry.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// NewEntry builds a fresh entry for a just-evaluated value.
// A ttl of zero or less produces an entry with no expiry.
func NewEntry(value bool, now time.Time, ttl time.Duration) *Entry {
	e := &Entry{
		Value:       value,
		PersistedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		e.ExpiresAt = &expires
	}
	return e
}

// Valid reports whether the entry may still be served at the given time.
// An entry with no expiry is always valid.
func (e *Entry) Valid(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// Clone returns a copy of the entry so callers cannot mutate stored state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := &Entry{
		Value:       e.Value,
		PersistedAt: e.PersistedAt,
	}
	if e.ExpiresAt != nil {
		expires := *e.ExpiresAt
		clone.ExpiresAt = &expires
	}
	return clone
}

// Encode serializes the entry for storage.
func (e *Entry) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeEntry parses a stored payload back into an entry.
// Any payload that does not round-trip is treated as corrupt by callers.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) == 0 {
		return nil, errors.New("empty entry payload")
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.PersistedAt.IsZero() {
		return nil, errors.New("entry missing persistedAt")
	}
	return &e, nil
}
