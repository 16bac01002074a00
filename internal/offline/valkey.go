package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore persists entries in Valkey/Redis. Entry expiry is delegated to
// the server's native key TTL, so expired entries vanish without a cleanup
// pass on our side.
type ValkeyStore struct {
	client valkey.Client
}

// NewValkeyStore connects to a Valkey server and verifies it responds.
// addr is "host:port"; an empty addr defaults to localhost:6379.
func NewValkeyStore(ctx context.Context, addr string) (*ValkeyStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	return &ValkeyStore{client: client}, nil
}

// Available pings the server.
func (s *ValkeyStore) Available(ctx context.Context) bool {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error() == nil
}

// Get retrieves and decodes the entry for a key. A payload that fails to
// decode is deleted and reported as ErrCorruptEntry.
func (s *ValkeyStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("valkey get: %w", err)
	}

	e, err := DecodeEntry(data)
	if err != nil {
		_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
		return nil, fmt.Errorf("%w: %s", ErrCorruptEntry, key)
	}

	// The server drops keys at their TTL, but clocks can disagree; apply the
	// entry's own expiry as well.
	if !e.Valid(time.Now()) {
		if err := s.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Set writes the entry, mirroring its expiry onto the key's TTL.
func (s *ValkeyStore) Set(ctx context.Context, key string, e *Entry) error {
	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	var cmd valkey.Completed
	if e.ExpiresAt != nil {
		ttl := time.Until(*e.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
		cmd = s.client.B().Set().Key(key).Value(string(data)).Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(string(data)).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}
	return nil
}

// Delete removes the key.
func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("valkey delete: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

var _ Store = (*ValkeyStore)(nil)
