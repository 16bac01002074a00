package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flipflag/flipflag/internal/flag"
)

// Defaults for Config.
const (
	DefaultPrefix       = "flipflag:"
	DefaultTTL          = 24 * time.Hour
	DefaultWriteTimeout = 5 * time.Second
)

// Config holds configuration for a Guard.
//
// Observer callbacks run synchronously in whichever goroutine triggered them
// (OnPersist and OnError may run in the detached persist goroutine). They are
// assumed non-throwing; a panicking observer propagates to that goroutine.
type Config struct {
	// Store is the storage backend. Required.
	Store Store

	// Prefix is prepended to every flag name to form the storage key.
	// Default: "flipflag:".
	Prefix string

	// TTL is the lifetime assigned to every freshly persisted entry.
	// Default: 24 hours. Zero means the default; use NoExpiry for unbounded
	// entries.
	TTL time.Duration

	// WriteTimeout bounds each detached persist write. Default: 5 seconds.
	WriteTimeout time.Duration

	// OnRestore is invoked whenever a cached value is served because the
	// evaluator failed.
	OnRestore func(name string, value bool)

	// OnPersist is invoked whenever a value is successfully written to
	// storage.
	OnPersist func(name string, value bool)

	// OnError is invoked on any storage-layer failure (write, read, or
	// parse). When unset, failures are logged at warn level instead.
	OnError func(err error)

	Logger zerolog.Logger
}

// NoExpiry configures persisted entries to never expire.
const NoExpiry = time.Duration(-1)

// Guard wraps an evaluator with persist-on-success and restore-on-failure
// behavior. Evaluation through a Guard is a total function: it returns a
// boolean under every combination of evaluator and storage failure,
// defaulting to false when nothing can be restored.
//
// The in-memory shadow cache keeps restoration off the storage backend's
// latency path: values loaded during Init or written since are served
// directly when the evaluator fails.
type Guard struct {
	delegate     flag.Evaluator
	store        Store
	prefix       string
	ttl          time.Duration
	writeTimeout time.Duration

	onRestore func(name string, value bool)
	onPersist func(name string, value bool)
	onError   func(err error)
	logger    zerolog.Logger

	mu     sync.RWMutex
	shadow map[string]*Entry

	writes sync.WaitGroup
}

// Wrap creates a Guard around an evaluator.
func Wrap(delegate flag.Evaluator, cfg Config) (*Guard, error) {
	if delegate == nil {
		return nil, errors.New("guard requires an evaluator")
	}
	if cfg.Store == nil {
		return nil, errors.New("guard requires a store")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	switch {
	case cfg.TTL == 0:
		cfg.TTL = DefaultTTL
	case cfg.TTL < 0:
		cfg.TTL = 0 // NoExpiry
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &Guard{
		delegate:     delegate,
		store:        cfg.Store,
		prefix:       cfg.Prefix,
		ttl:          cfg.TTL,
		writeTimeout: cfg.WriteTimeout,
		onRestore:    cfg.OnRestore,
		onPersist:    cfg.OnPersist,
		onError:      cfg.OnError,
		logger:       cfg.Logger,
		shadow:       make(map[string]*Entry),
	}, nil
}

// IsEnabled evaluates a flag through the wrapped evaluator. On success the
// value is persisted in the background and returned immediately; on failure
// a previously persisted value is served if one is still valid, and false
// otherwise. It never returns an error.
func (g *Guard) IsEnabled(ctx context.Context, name string) bool {
	enabled, _ := g.Lookup(ctx, name)
	return enabled
}

// Lookup is IsEnabled plus a flag reporting whether the value came from the
// cache rather than a live evaluation.
func (g *Guard) Lookup(ctx context.Context, name string) (enabled, restored bool) {
	key := g.prefix + name

	value, err := g.delegate.IsEnabled(ctx, name)
	if err == nil {
		entry := NewEntry(value, time.Now(), g.ttl)
		g.setShadow(key, entry)
		g.persistDetached(name, key, entry)
		return value, false
	}

	g.logger.Debug().Err(err).Str("flag", name).Msg("evaluation failed, attempting restore")
	return g.restore(ctx, name, key)
}

// restore serves the last persisted value for a flag, shadow cache first.
func (g *Guard) restore(ctx context.Context, name, key string) (enabled, restored bool) {
	now := time.Now()

	if e := g.getShadow(key); e != nil {
		if e.Valid(now) {
			g.notifyRestore(name, e.Value)
			return e.Value, true
		}
		// Stale shadow entry: drop it and clear the backing slot so the
		// store-side lookup below starts clean.
		g.dropShadow(key)
		if err := g.store.Delete(ctx, key); err != nil {
			g.notifyError(fmt.Errorf("clear expired entry for %s: %w", name, err))
		}
		return false, false
	}

	e, err := g.store.Get(ctx, key)
	switch {
	case err == nil:
		g.setShadow(key, e)
		g.notifyRestore(name, e.Value)
		return e.Value, true
	case errors.Is(err, ErrEntryNotFound):
		// Absence is not an error.
		return false, false
	default:
		g.notifyError(fmt.Errorf("restore %s: %w", name, err))
		return false, false
	}
}

// persistDetached writes an entry in the background. The originating read
// returns without waiting; completion is reported through the observers.
func (g *Guard) persistDetached(name, key string, e *Entry) {
	g.writes.Add(1)
	go func() {
		defer g.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
		defer cancel()

		if err := g.store.Set(ctx, key, e); err != nil {
			g.notifyError(fmt.Errorf("persist %s: %w", name, err))
			return
		}
		if g.onPersist != nil {
			g.onPersist(name, e.Value)
		}
	}()
}

// Init runs the optional pre-warm phase. The delegate's own initialization
// runs first when it implements flag.Initializer; when it also implements
// flag.Lister, every known flag's stored entry is loaded into the shadow
// cache and its current value persisted. Flags whose persist fails are
// reported individually and do not abort their siblings. A delegate with
// neither capability makes Init a no-op.
func (g *Guard) Init(ctx context.Context) error {
	if ini, ok := g.delegate.(flag.Initializer); ok {
		if err := ini.Init(ctx); err != nil {
			return fmt.Errorf("evaluator init: %w", err)
		}
	}

	lister, ok := g.delegate.(flag.Lister)
	if !ok {
		return nil
	}
	flags, err := lister.Flags(ctx)
	if err != nil {
		// Best-effort introspection: an unreadable listing disables
		// pre-warming, it does not fail initialization.
		g.logger.Debug().Err(err).Msg("flag listing unavailable, skipping pre-warm")
		return nil
	}
	if len(flags) == 0 {
		return nil
	}

	// Load every stored entry that is still valid into the shadow cache.
	// Fan-out bounds total latency to the slowest single lookup.
	var loads sync.WaitGroup
	for name := range flags {
		loads.Add(1)
		go func(name string) {
			defer loads.Done()

			key := g.prefix + name
			e, err := g.store.Get(ctx, key)
			switch {
			case err == nil:
				g.setShadow(key, e)
			case errors.Is(err, ErrEntryNotFound):
			default:
				g.notifyError(fmt.Errorf("load %s: %w", name, err))
			}
		}(name)
	}
	loads.Wait()

	// Persist every current value, awaiting all writes before Init returns.
	var persists sync.WaitGroup
	now := time.Now()
	for name, value := range flags {
		persists.Add(1)
		go func(name string, value bool) {
			defer persists.Done()

			key := g.prefix + name
			entry := NewEntry(value, now, g.ttl)
			if err := g.store.Set(ctx, key, entry); err != nil {
				g.notifyError(fmt.Errorf("persist %s: %w", name, err))
				return
			}
			g.setShadow(key, entry)
			if g.onPersist != nil {
				g.onPersist(name, value)
			}
		}(name, value)
	}
	persists.Wait()

	return nil
}

// Close waits for all detached persist writes to settle. It does not close
// the store; the store's owner does that.
func (g *Guard) Close() error {
	g.writes.Wait()
	return nil
}

// Unwrap returns the wrapped evaluator so callers can reach any capability
// the Guard does not intercept.
func (g *Guard) Unwrap() flag.Evaluator {
	return g.delegate
}

func (g *Guard) getShadow(key string) *Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.shadow[key]
}

func (g *Guard) setShadow(key string, e *Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shadow[key] = e
}

func (g *Guard) dropShadow(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.shadow, key)
}

func (g *Guard) notifyRestore(name string, value bool) {
	if g.onRestore != nil {
		g.onRestore(name, value)
		return
	}
	g.logger.Info().Str("flag", name).Bool("value", value).Msg("served cached flag value")
}

func (g *Guard) notifyError(err error) {
	if g.onError != nil {
		g.onError(err)
		return
	}
	g.logger.Warn().Err(err).Msg("flag storage failure")
}
