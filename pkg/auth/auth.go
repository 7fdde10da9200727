package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Decision is an authenticator's vote.
type Decision int

const (
	// Yes means credentials are valid. The chain stops and the identity is used.
	Yes Decision = iota

	// No means credentials are present but invalid. The chain stops and the
	// request is rejected.
	No

	// Abstain means the authenticator does not handle these credentials.
	Abstain
)

// String returns the decision name for logs.
func (d Decision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Abstain:
		return "abstain"
	}
	return "unknown"
}

// Result carries the outcome of an authentication attempt.
type Result struct {
	Decision Decision
	Identity *Identity // set only when Decision == Yes
	Err      error     // set only when Decision == No
}

// DefaultTier is the service tier of identities that carry none.
const DefaultTier = "default"

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the unique caller identifier (required, non-empty).
	Subject string

	// Tenant scopes run records. Empty means unscoped.
	Tenant string

	// Tier selects the rate limit.
	Tier string

	Scopes []string
}

// ServiceTier returns Tier or DefaultTier.
func (id *Identity) ServiceTier() string {
	if id == nil || id.Tier == "" {
		return DefaultTier
	}
	return id.Tier
}

// Anonymous is the identity granted when a chain defaults to Yes.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", Tier: DefaultTier}
}

// Authenticator examines request credentials and votes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) Result

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) Result {
	return f(ctx, r)
}

// Sentinel errors.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Chain evaluates authenticators in order.
type Chain struct {
	Authenticators []Authenticator

	// Default is used when all authenticators abstain. Yes grants the
	// Anonymous identity.
	Default Decision
}

// NewChain returns a chain over authns with the given default.
func NewChain(def Decision, authns ...Authenticator) *Chain {
	return &Chain{Authenticators: authns, Default: def}
}

// Authenticate stops on the first Yes or No and otherwise applies Default.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, authn := range c.Authenticators {
		if res := authn.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.Default == Yes {
		return Result{Decision: Yes, Identity: Anonymous()}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
// ok is false when there is no header or it uses another scheme; the token
// may be empty when ok is true.
func BearerToken(r *http.Request) (token string, ok bool) {
	header := r.Header.Get("Authorization")
	token, ok = strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(token), true
}
