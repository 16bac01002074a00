package offline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flipflag/flipflag/internal/flag"
	"github.com/flipflag/flipflag/internal/offline"
)

// fakeEvaluator is a scriptable evaluator for guard tests.
type fakeEvaluator struct {
	mu      sync.Mutex
	values  map[string]bool
	err     error
	inited  bool
	listing map[string]bool
}

func (f *fakeEvaluator) IsEnabled(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	v, ok := f.values[name]
	if !ok {
		return false, flag.ErrUnknownFlag
	}
	return v, nil
}

func (f *fakeEvaluator) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// listingEvaluator adds the optional init and listing capabilities.
type listingEvaluator struct {
	fakeEvaluator
}

func (f *listingEvaluator) Init(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inited = true
	return nil
}

func (f *listingEvaluator) Flags(_ context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.listing))
	for k, v := range f.listing {
		out[k] = v
	}
	return out, nil
}

// countingStore wraps a store and counts operations; it can also be scripted
// to fail writes for chosen keys.
type countingStore struct {
	offline.Store
	gets    atomic.Int64
	sets    atomic.Int64
	failSet map[string]error
}

func (s *countingStore) Get(ctx context.Context, key string) (*offline.Entry, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, e *offline.Entry) error {
	s.sets.Add(1)
	if err, ok := s.failSet[key]; ok {
		return err
	}
	return s.Store.Set(ctx, key, e)
}

var errEvalDown = errors.New("evaluator down")

// corruptStoredFile overwrites every stored entry file with garbage.
func corruptStoredFile(t *testing.T, dir string) {
	t.Helper()
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read store dir: %v", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.Name()), []byte("{broken"), 0o600); err != nil {
			t.Fatalf("corrupt %s: %v", f.Name(), err)
		}
	}
}

func newGuard(t *testing.T, eval flag.Evaluator, cfg offline.Config) *offline.Guard {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	g, err := offline.Wrap(eval, cfg)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	return g
}

func TestGuard_PersistThenRestore(t *testing.T) {
	ctx := context.Background()
	store := offline.NewMemoryStore()
	eval := &fakeEvaluator{values: map[string]bool{"beta": true}}

	g := newGuard(t, eval, offline.Config{Store: store, TTL: time.Hour})

	if !g.IsEnabled(ctx, "beta") {
		t.Fatal("expected live evaluation to return true")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// A fresh guard on the same store has no shadow cache; restoration must
	// round-trip through storage.
	restored := 0
	g2 := newGuard(t, eval, offline.Config{
		Store: store,
		TTL:   time.Hour,
		OnRestore: func(name string, value bool) {
			restored++
			if name != "beta" || !value {
				t.Errorf("unexpected restore %s=%v", name, value)
			}
		},
	})
	eval.fail(errEvalDown)

	if !g2.IsEnabled(ctx, "beta") {
		t.Error("expected restored value to be true")
	}
	if restored != 1 {
		t.Errorf("expected one restore notification, got %d", restored)
	}
}

func TestGuard_SuccessUpdatesShadow(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: offline.NewMemoryStore()}
	eval := &fakeEvaluator{values: map[string]bool{"beta": true}}

	g := newGuard(t, eval, offline.Config{Store: store, TTL: time.Hour})

	if !g.IsEnabled(ctx, "beta") {
		t.Fatal("expected live evaluation to return true")
	}
	eval.fail(errEvalDown)

	// Restoration must come from the shadow cache, not a store read.
	enabled, restored := g.Lookup(ctx, "beta")
	if !enabled || !restored {
		t.Errorf("expected restored=true enabled=true, got enabled=%v restored=%v", enabled, restored)
	}
	if n := store.gets.Load(); n != 0 {
		t.Errorf("expected no store reads on shadow restore, got %d", n)
	}
}

func TestGuard_NoEntryAnywhere(t *testing.T) {
	ctx := context.Background()
	var restores, errorsSeen int

	eval := &fakeEvaluator{}
	eval.fail(errEvalDown)

	g := newGuard(t, eval, offline.Config{
		Store:     offline.NewMemoryStore(),
		OnRestore: func(string, bool) { restores++ },
		OnError:   func(error) { errorsSeen++ },
	})

	if g.IsEnabled(ctx, "beta") {
		t.Error("expected safe default false")
	}
	if restores != 0 {
		t.Error("onRestore must not fire when nothing was restored")
	}
	if errorsSeen != 0 {
		t.Error("absence is not an error; onError must not fire")
	}
}

func TestGuard_ExpiredEntryClearedAndDefaultServed(t *testing.T) {
	ctx := context.Background()
	store := offline.NewMemoryStore()
	eval := &fakeEvaluator{values: map[string]bool{"beta": true}}

	g := newGuard(t, eval, offline.Config{Store: store, TTL: time.Millisecond})

	if !g.IsEnabled(ctx, "beta") {
		t.Fatal("expected live evaluation to return true")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	eval.fail(errEvalDown)
	if g.IsEnabled(ctx, "beta") {
		t.Error("expected false once the persisted entry expired")
	}
	if store.Len() != 0 {
		t.Error("expected the expired slot to be cleared")
	}
}

func TestGuard_CorruptEntryReported(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := offline.NewFileStore(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	eval := &fakeEvaluator{values: map[string]bool{"beta": true}}
	var storageErrs []error
	g := newGuard(t, eval, offline.Config{
		Store:   store,
		TTL:     time.Hour,
		OnError: func(err error) { storageErrs = append(storageErrs, err) },
	})

	if !g.IsEnabled(ctx, "beta") {
		t.Fatal("expected live evaluation to return true")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	corruptStoredFile(t, dir)

	// Fresh guard, empty shadow, corrupt backing slot.
	g2 := newGuard(t, eval, offline.Config{
		Store:   store,
		TTL:     time.Hour,
		OnError: func(err error) { storageErrs = append(storageErrs, err) },
	})
	eval.fail(errEvalDown)

	if g2.IsEnabled(ctx, "beta") {
		t.Error("expected safe default false for a corrupt entry")
	}
	if len(storageErrs) != 1 || !errors.Is(storageErrs[0], offline.ErrCorruptEntry) {
		t.Errorf("expected one ErrCorruptEntry report, got %v", storageErrs)
	}
}

func TestGuard_OnPersistFires(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	persisted := map[string]bool{}

	eval := &fakeEvaluator{values: map[string]bool{"beta": true, "gamma": false}}
	g := newGuard(t, eval, offline.Config{
		Store: offline.NewMemoryStore(),
		OnPersist: func(name string, value bool) {
			mu.Lock()
			defer mu.Unlock()
			persisted[name] = value
		},
	})

	g.IsEnabled(ctx, "beta")
	g.IsEnabled(ctx, "gamma")
	if err := g.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok := persisted["beta"]; !ok || !v {
		t.Error("expected onPersist(beta, true)")
	}
	if v, ok := persisted["gamma"]; !ok || v {
		t.Error("expected onPersist(gamma, false)")
	}
}

func TestGuard_DetachedWriteFailureReported(t *testing.T) {
	ctx := context.Background()
	errWrite := errors.New("disk full")
	store := &countingStore{
		Store:   offline.NewMemoryStore(),
		failSet: map[string]error{"flipflag:beta": errWrite},
	}

	var mu sync.Mutex
	var seen []error
	eval := &fakeEvaluator{values: map[string]bool{"beta": true}}
	g := newGuard(t, eval, offline.Config{
		Store: store,
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, err)
		},
	})

	// The read itself must succeed even though the write will fail.
	if !g.IsEnabled(ctx, "beta") {
		t.Fatal("expected live evaluation to return true")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || !errors.Is(seen[0], errWrite) {
		t.Errorf("expected the detached write failure to reach onError, got %v", seen)
	}
}

func TestGuard_InitPreWarmsShadow(t *testing.T) {
	ctx := context.Background()
	mem := offline.NewMemoryStore()

	// A previous run left a valid entry behind.
	if err := mem.Set(ctx, "flipflag:feature-x", offline.NewEntry(true, time.Now(), time.Hour)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	store := &countingStore{Store: mem}
	eval := &listingEvaluator{fakeEvaluator{
		values:  map[string]bool{"feature-x": false},
		listing: map[string]bool{"feature-x": false},
	}}

	g := newGuard(t, eval, offline.Config{Store: store, TTL: time.Hour})
	if err := g.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !eval.inited {
		t.Error("expected the delegate's own init to run")
	}

	// Init persisted the evaluator's current value (false) over the old one,
	// and that fresh entry now backs the shadow cache.
	eval.fail(errEvalDown)
	store.gets.Store(0)

	enabled, restored := g.Lookup(ctx, "feature-x")
	if !restored {
		t.Fatal("expected restoration from the shadow cache")
	}
	if enabled {
		t.Error("expected the value persisted during init to win")
	}
	if n := store.gets.Load(); n != 0 {
		t.Errorf("expected the store to be untouched on shadow restore, got %d reads", n)
	}
}

func TestGuard_InitShadowServesStoredValueBeforeAnyRead(t *testing.T) {
	ctx := context.Background()
	mem := offline.NewMemoryStore()
	if err := mem.Set(ctx, "flipflag:feature-x", offline.NewEntry(true, time.Now(), time.Hour)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	// Evaluator knows the flag exists but cannot evaluate it.
	eval := &listingEvaluator{fakeEvaluator{
		listing: map[string]bool{},
	}}
	store := &countingStore{
		Store:   mem,
		failSet: map[string]error{},
	}

	g := newGuard(t, eval, offline.Config{Store: store, TTL: time.Hour})
	if err := g.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	// Empty listing means nothing was pre-warmed; the store still answers.
	eval.fail(errEvalDown)
	if !g.IsEnabled(ctx, "feature-x") {
		t.Error("expected restoration from the store")
	}
}

func TestGuard_InitIsolatesPersistFailures(t *testing.T) {
	ctx := context.Background()
	errWrite := errors.New("write refused")
	store := &countingStore{
		Store:   offline.NewMemoryStore(),
		failSet: map[string]error{"flipflag:bad": errWrite},
	}

	var mu sync.Mutex
	var failures []error
	persisted := map[string]bool{}

	eval := &listingEvaluator{fakeEvaluator{
		values:  map[string]bool{"good": true, "bad": true, "also-good": false},
		listing: map[string]bool{"good": true, "bad": true, "also-good": false},
	}}

	g := newGuard(t, eval, offline.Config{
		Store: store,
		TTL:   time.Hour,
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, err)
		},
		OnPersist: func(name string, value bool) {
			mu.Lock()
			defer mu.Unlock()
			persisted[name] = value
		},
	})

	if err := g.Init(ctx); err != nil {
		t.Fatalf("init must settle despite individual persist failures, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || !errors.Is(failures[0], errWrite) {
		t.Errorf("expected exactly the bad flag's failure, got %v", failures)
	}
	if len(persisted) != 2 {
		t.Errorf("expected the two healthy flags to persist, got %v", persisted)
	}
}

func TestGuard_InitNoopWithoutCapabilities(t *testing.T) {
	eval := &fakeEvaluator{values: map[string]bool{"beta": true}}
	g := newGuard(t, eval, offline.Config{Store: offline.NewMemoryStore()})

	if err := g.Init(context.Background()); err != nil {
		t.Errorf("init on a plain evaluator must be a no-op, got %v", err)
	}
}

func TestGuard_Unwrap(t *testing.T) {
	eval := &fakeEvaluator{}
	g := newGuard(t, eval, offline.Config{Store: offline.NewMemoryStore()})
	if g.Unwrap() != flag.Evaluator(eval) {
		t.Error("expected Unwrap to return the delegate")
	}
}

func TestGuard_DefaultConfig(t *testing.T) {
	if _, err := offline.Wrap(nil, offline.Config{Store: offline.NewMemoryStore()}); err == nil {
		t.Error("expected an error without an evaluator")
	}
	if _, err := offline.Wrap(&fakeEvaluator{}, offline.Config{}); err == nil {
		t.Error("expected an error without a store")
	}
}
