package jwt

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/tasknotes/apigw/internal/observability"
)

const (
	// DefaultCacheTTL is how long a fetched key set stays fresh.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultFetchTimeout bounds a single JWKS endpoint round trip.
	DefaultFetchTimeout = 5 * time.Second

	// maxJWKSBody caps the response size accepted from the endpoint.
	maxJWKSBody = 1 << 20
)

// KeySource provides RSA public keys for signature verification, looked up
// by key ID.
type KeySource interface {
	// Resolve returns the public key for the given key ID from the cached
	// key set, fetching the set first if the cache is empty or stale.
	Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error)

	// Refresh forces a fetch of the key set, bypassing the TTL. Used once
	// per verification when a key ID is unknown, so fast rotation is
	// picked up without hammering the endpoint.
	Refresh(ctx context.Context) error
}

// JWKSKeySource fetches and caches a JSON Web Key Set from an HTTP
// endpoint.
type JWKSKeySource struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger observability.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	raw       []byte
	fetchedAt time.Time

	// fetchMu serializes fetches so concurrent misses coalesce into a
	// single round trip.
	fetchMu sync.Mutex
}

// JWKSOption configures a JWKSKeySource.
type JWKSOption func(*JWKSKeySource)

// WithCacheTTL overrides the cache freshness window.
func WithCacheTTL(ttl time.Duration) JWKSOption {
	return func(s *JWKSKeySource) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(client *http.Client) JWKSOption {
	return func(s *JWKSKeySource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithJWKSLogger sets the logger.
func WithJWKSLogger(logger observability.Logger) JWKSOption {
	return func(s *JWKSKeySource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// withClock overrides time for tests.
func withClock(clock func() time.Time) JWKSOption {
	return func(s *JWKSKeySource) {
		s.clock = clock
	}
}

// NewJWKSKeySource creates a key source backed by the given JWKS URL.
func NewJWKSKeySource(url string, opts ...JWKSOption) *JWKSKeySource {
	s := &JWKSKeySource{
		url:    url,
		ttl:    DefaultCacheTTL,
		client: &http.Client{Timeout: DefaultFetchTimeout},
		logger: observability.NopLogger(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve implements KeySource.
func (s *JWKSKeySource) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, ok := s.keys[kid]
	fresh := s.keys != nil && s.clock().Sub(s.fetchedAt) < s.ttl
	s.mu.RUnlock()

	if ok {
		return key, nil
	}
	if fresh {
		return nil, NewKeyError(kid, "key not found in cached key set", ErrKeyNotFound)
	}

	if err := s.fetch(ctx, false); err != nil {
		// Serve the last known good set when the endpoint is down.
		s.mu.RLock()
		key, ok = s.keys[kid]
		s.mu.RUnlock()
		if ok {
			return key, nil
		}
		return nil, err
	}

	s.mu.RLock()
	key, ok = s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, NewKeyError(kid, "key not found in key set", ErrKeyNotFound)
	}
	return key, nil
}

// Refresh implements KeySource.
func (s *JWKSKeySource) Refresh(ctx context.Context) error {
	return s.fetch(ctx, true)
}

// RawDocument returns the last fetched JWKS document verbatim, fetching one
// if none is cached yet. The gateway republishes it on its own well-known
// endpoint.
func (s *JWKSKeySource) RawDocument(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	raw := s.raw
	fresh := raw != nil && s.clock().Sub(s.fetchedAt) < s.ttl
	s.mu.RUnlock()

	if fresh {
		return raw, nil
	}
	if err := s.fetch(ctx, false); err != nil {
		if raw != nil {
			return raw, nil
		}
		return nil, err
	}

	s.mu.RLock()
	raw = s.raw
	s.mu.RUnlock()
	return raw, nil
}

// fetch retrieves and parses the key set. When force is false a fetch that
// raced with another goroutine's completed fetch is skipped.
func (s *JWKSKeySource) fetch(ctx context.Context, force bool) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if !force {
		s.mu.RLock()
		fresh := s.keys != nil && s.clock().Sub(s.fetchedAt) < s.ttl
		s.mu.RUnlock()
		if fresh {
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return NewKeyError("", "building JWKS request", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("jwks fetch failed",
			observability.String("url", s.url),
			observability.Error(err))
		return NewKeyError("", "fetching JWKS", ErrJWKSFetchFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("jwks endpoint returned non-200",
			observability.String("url", s.url),
			observability.Int("status", resp.StatusCode))
		return NewKeyError("", fmt.Sprintf("JWKS endpoint returned %d", resp.StatusCode), ErrJWKSFetchFailed)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return NewKeyError("", "reading JWKS response", ErrJWKSFetchFailed)
	}

	keys, err := parseKeySet(body)
	if err != nil {
		return NewKeyError("", "parsing JWKS document", err)
	}

	s.mu.Lock()
	s.keys = keys
	s.raw = body
	s.fetchedAt = s.clock()
	s.mu.Unlock()

	s.logger.Debug("jwks cache refreshed",
		observability.String("url", s.url),
		observability.Int("keys", len(keys)))
	return nil
}

// parseKeySet parses a JWKS document into RSA public keys indexed by kid.
// Non-RSA keys and keys without a kid are skipped.
func parseKeySet(body []byte) (map[string]*rsa.PublicKey, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey)
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := key.KeyID()
		if kid == "" {
			continue
		}

		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			continue
		}
		keys[kid] = &pub
	}
	return keys, nil
}

// StaticKeySource serves a fixed set of keys. Refresh is a no-op.
type StaticKeySource struct {
	keys map[string]*rsa.PublicKey
}

// NewStaticKeySource creates a key source over the given keys.
func NewStaticKeySource(keys map[string]*rsa.PublicKey) *StaticKeySource {
	copied := make(map[string]*rsa.PublicKey, len(keys))
	for kid, key := range keys {
		copied[kid] = key
	}
	return &StaticKeySource{keys: copied}
}

// Resolve implements KeySource.
func (s *StaticKeySource) Resolve(_ context.Context, kid string) (*rsa.PublicKey, error) {
	key, ok := s.keys[kid]
	if !ok {
		return nil, NewKeyError(kid, "key not found", ErrKeyNotFound)
	}
	return key, nil
}

// Refresh implements KeySource.
func (s *StaticKeySource) Refresh(_ context.Context) error {
	return nil
}
