// Package flag defines the feature flag evaluator boundary and the
// evaluators shipped with the service.
package flag

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownFlag is returned when an evaluator has no definition for a name.
var ErrUnknownFlag = errors.New("unknown flag")

// Evaluator is the source of truth for flag values. An evaluation may fail
// for any reason (transport, upstream outage, unknown flag); callers decide
// what a failure means.
type Evaluator interface {
	IsEnabled(ctx context.Context, name string) (bool, error)
}

// Initializer is an optional evaluator capability: a one-time setup step
// that must complete before evaluations are trustworthy.
type Initializer interface {
	Init(ctx context.Context) error
}

// Lister is an optional evaluator capability: enumerating every flag the
// evaluator currently knows, with its current value.
type Lister interface {
	Flags(ctx context.Context) (map[string]bool, error)
}

// Static is an in-process evaluator over a fixed flag set. It implements
// all three capabilities and is the default evaluator when no upstream is
// configured.
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewStatic creates a static evaluator with the given flags.
func NewStatic(flags map[string]bool) *Static {
	copied := make(map[string]bool, len(flags))
	for k, v := range flags {
		copied[k] = v
	}
	return &Static{flags: copied}
}

// IsEnabled returns the configured value, or ErrUnknownFlag for names the
// evaluator has no definition for.
func (s *Static) IsEnabled(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.flags[name]
	if !ok {
		return false, ErrUnknownFlag
	}
	return v, nil
}

// Init is a no-op; a static flag set needs no setup.
func (*Static) Init(_ context.Context) error {
	return nil
}

// Flags returns a copy of the current flag set.
func (s *Static) Flags(_ context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		copied[k] = v
	}
	return copied, nil
}

// Set updates a single flag value.
func (s *Static) Set(name string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = value
}

var (
	_ Evaluator   = (*Static)(nil)
	_ Initializer = (*Static)(nil)
	_ Lister      = (*Static)(nil)
)
