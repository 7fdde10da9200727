package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rhuss/autoscript/pkg/debug"
)

// ErrUnknownKey is returned when a token names a kid the JWKS does not
// carry, even after a refresh.
var ErrUnknownKey = errors.New("signing key not in JWKS")

const (
	// maxJWKSBytes caps the JWKS document size.
	maxJWKSBytes = 1 << 20

	// refreshFloor is the minimum age of the key set before an unknown kid
	// triggers another fetch.
	refreshFloor = 10 * time.Second
)

// keySet caches the RSA signing keys of one JWKS endpoint. Concurrent
// refreshes share a single fetch.
type keySet struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newKeySet(url string, ttl time.Duration, client *http.Client) *keySet {
	return &keySet{url: url, ttl: ttl, client: client, now: time.Now}
}

// lookup returns the key for kid, refreshing the set when it is stale or
// does not know kid.
func (s *keySet) lookup(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, age := s.cached(kid)
	if key != nil && age < s.ttl {
		return key, nil
	}
	if key == nil && age < refreshFloor {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}

	if _, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	}); err != nil {
		return nil, err
	}

	if key, _ = s.cached(kid); key == nil {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return key, nil
}

// cached returns the key for kid, if any, and the age of the key set. An
// empty set is infinitely old.
func (s *keySet) cached(kid string) (*rsa.PublicKey, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fetchedAt.IsZero() {
		return nil, time.Duration(1<<63 - 1)
	}
	return s.keys[kid], s.now().Sub(s.fetchedAt)
}

func (s *keySet) refresh(ctx context.Context) error {
	doc, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			debug.Log("auth", "skipping JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = s.now()
	s.mu.Unlock()

	debug.Log("auth", "JWKS refreshed", "url", s.url, "keys", len(keys))
	return nil
}

func (s *keySet) fetch(ctx context.Context) (*jwks, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("JWKS request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching JWKS from %s: HTTP %d", s.url, resp.StatusCode)
	}

	var doc jwks
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding JWKS from %s: %w", s.url, err)
	}
	return &doc, nil
}

// jwks is a JSON Web Key Set document (RFC 7517).
type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := decodeBigInt(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := decodeBigInt(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if !e.IsInt64() || e.Int64() < 2 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// decodeBigInt decodes an unpadded base64url big-endian integer.
func decodeBigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty value")
	}
	return new(big.Int).SetBytes(b), nil
}
