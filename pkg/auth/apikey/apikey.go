// Package apikey authenticates bearer tokens against a static key list.
// Keys are kept only as SHA-256 hashes and compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/rhuss/autoscript/pkg/auth"
)

// Key is one configured API key and the identity it grants.
type Key struct {
	Key      string
	Identity auth.Identity
}

type entry struct {
	hash     [32]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against hashed keys.
type Authenticator struct {
	keys []entry
}

// New hashes keys immediately; plaintext keys are not retained.
func New(keys []Key) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		a.keys = append(a.keys, entry{hash: sha256.Sum256([]byte(k.Key)), identity: k.Identity})
	}
	return a
}

// Authenticate abstains without a bearer token and votes No for unknown
// or empty tokens.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	sum := sha256.Sum256([]byte(token))
	for _, e := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], e.hash[:]) == 1 {
			id := e.identity
			return auth.Result{Decision: auth.Yes, Identity: &id}
		}
	}
	return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
}
