package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const entryFileExt = ".json"

// FileStore persists one entry per file under a directory. Writes go through
// a temp file and an atomic rename so readers never observe partial payloads.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed and verifying it accepts a probe write.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &FileStore{dir: dir}
	if !s.probe() {
		return nil, fmt.Errorf("store directory not writable: %s", dir)
	}
	return s, nil
}

// probe performs a throwaway write and delete to confirm the directory works.
func (s *FileStore) probe() bool {
	fn := filepath.Join(s.dir, ".probe")
	if err := os.WriteFile(fn, []byte("probe"), 0o600); err != nil {
		return false
	}
	_ = os.Remove(fn)
	return true
}

// Available re-probes the directory; a store on a revoked mount or deleted
// directory degrades to unavailable instead of erroring.
func (s *FileStore) Available(_ context.Context) bool {
	return s.probe()
}

// filename maps a storage key to a file path. Keys are percent-escaped so
// prefix separators and path characters cannot escape the store directory.
func (s *FileStore) filename(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+entryFileExt)
}

// Get reads and validates the entry for a key. Corrupt files are unlinked and
// reported as ErrCorruptEntry; expired files are unlinked and reported as
// ErrEntryNotFound.
func (s *FileStore) Get(_ context.Context, key string) (*Entry, error) {
	fn := s.filename(key)

	data, err := os.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("read entry file: %w", err)
	}

	e, err := DecodeEntry(data)
	if err != nil {
		_ = os.Remove(fn)
		return nil, fmt.Errorf("%w: %s", ErrCorruptEntry, key)
	}

	if !e.Valid(time.Now()) {
		if err := os.Remove(fn); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove expired entry: %w", err)
		}
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Set writes an entry to a temp file and renames it into place.
func (s *FileStore) Set(_ context.Context, key string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	fn := s.filename(key)
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write entry file: %w", err)
	}
	if err := os.Rename(tmp, fn); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename entry file: %w", err)
	}
	return nil
}

// Delete removes the entry file for a key.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.filename(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry file: %w", err)
	}
	return nil
}

// SessionStore is a FileStore rooted in a per-process temp directory. Entries
// live for one process run; Close discards the backing directory.
type SessionStore struct {
	*FileStore
}

// NewSessionStore creates a session-scoped store in a fresh temp directory.
func NewSessionStore() (*SessionStore, error) {
	dir, err := os.MkdirTemp("", "flipflag-session-")
	if err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	fs, err := NewFileStore(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &SessionStore{FileStore: fs}, nil
}

// Close removes the session directory and everything in it.
func (s *SessionStore) Close() error {
	return os.RemoveAll(s.dir)
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*SessionStore)(nil)
)
