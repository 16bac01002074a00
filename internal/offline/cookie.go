package offline

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// maxCookiePayload bounds the serialized name plus payload written into a
// single cookie. Browsers cap each cookie near 4096 bytes including
// attributes.
const maxCookiePayload = 4000

// CookieOptions configures the cookie attributes written by a CookieStore.
type CookieOptions struct {
	// Path defaults to "/".
	Path string

	// Domain is left unset by default.
	Domain string

	// Secure marks cookies as HTTPS-only. When nil it is inferred from the
	// bound request's transport security.
	Secure *bool

	// SameSite defaults to http.SameSiteLaxMode.
	SameSite http.SameSite
}

// CookieStore persists entries as cookies on a single HTTP exchange: reads
// come from the bound request's cookie header, writes go to the bound
// response. Entry expiry is expressed through the cookie's own Expires
// attribute so the client discards stale values on its own.
type CookieStore struct {
	w    http.ResponseWriter
	req  *http.Request
	opts CookieOptions
}

// NewCookieStore binds a store to one request/response pair.
func NewCookieStore(w http.ResponseWriter, r *http.Request, opts CookieOptions) *CookieStore {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	return &CookieStore{w: w, req: r, opts: opts}
}

// Available reports whether the store is bound to a live exchange.
func (s *CookieStore) Available(_ context.Context) bool {
	return s.w != nil && s.req != nil
}

// cookieName maps a storage key to a legal cookie name. Cookie names are
// RFC 6265 tokens, so separator characters in the key are percent-escaped.
func cookieName(key string) string {
	return url.QueryEscape(key)
}

func (s *CookieStore) secure() bool {
	if s.opts.Secure != nil {
		return *s.opts.Secure
	}
	return s.req != nil && s.req.TLS != nil
}

// Get reads the entry cookie for a key. Corrupt payloads expire the cookie
// and report ErrCorruptEntry; entries past their own expiry are expired and
// reported as ErrEntryNotFound.
func (s *CookieStore) Get(ctx context.Context, key string) (*Entry, error) {
	if !s.Available(ctx) {
		return nil, ErrEntryNotFound
	}

	c, err := s.req.Cookie(cookieName(key))
	if err != nil {
		return nil, ErrEntryNotFound
	}

	data, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		s.expire(key)
		return nil, fmt.Errorf("%w: %s", ErrCorruptEntry, key)
	}
	e, err := DecodeEntry(data)
	if err != nil {
		s.expire(key)
		return nil, fmt.Errorf("%w: %s", ErrCorruptEntry, key)
	}

	if !e.Valid(time.Now()) {
		s.expire(key)
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Set writes the entry as a cookie on the bound response. Payloads over the
// per-cookie size bound are rejected with ErrPayloadTooLarge and not written.
func (s *CookieStore) Set(ctx context.Context, key string, e *Entry) error {
	if !s.Available(ctx) {
		return nil
	}

	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	name := cookieName(key)
	value := base64.RawURLEncoding.EncodeToString(data)
	if len(name)+len(value) > maxCookiePayload {
		return fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(name)+len(value), key)
	}

	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     s.opts.Path,
		Domain:   s.opts.Domain,
		Secure:   s.secure(),
		HttpOnly: true,
		SameSite: s.opts.SameSite,
	}
	if e.ExpiresAt != nil {
		cookie.Expires = *e.ExpiresAt
	}
	http.SetCookie(s.w, cookie)
	return nil
}

// Delete expires the cookie for a key on the bound response.
func (s *CookieStore) Delete(ctx context.Context, key string) error {
	if !s.Available(ctx) {
		return nil
	}
	s.expire(key)
	return nil
}

// expire instructs the client to drop the cookie immediately.
func (s *CookieStore) expire(key string) {
	http.SetCookie(s.w, &http.Cookie{
		Name:     cookieName(key),
		Value:    "",
		Path:     s.opts.Path,
		Domain:   s.opts.Domain,
		Secure:   s.secure(),
		HttpOnly: true,
		SameSite: s.opts.SameSite,
		MaxAge:   -1,
	})
}

var _ Store = (*CookieStore)(nil)
