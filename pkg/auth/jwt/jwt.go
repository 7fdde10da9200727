// Package jwt authenticates RSA-signed bearer JWTs against the keys of a
// JWKS endpoint. Issuer and audience checks are optional; subject, tenant,
// service tier and scopes come from configurable claims.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/autoscript/pkg/auth"
	"github.com/rhuss/autoscript/pkg/debug"
)

// Config holds the JWT authenticator configuration. Empty claim names fall
// back to the defaults noted per field.
type Config struct {
	// Issuer and Audience are checked when set.
	Issuer   string
	Audience string

	// JWKSURL serves the verification keys.
	JWKSURL string

	UserClaim   string // default "sub"
	TenantClaim string // default "tenant_id"
	TierClaim   string // default "tier"

	// ScopesClaim holds a space separated string or a string array.
	// Default "scope".
	ScopesClaim string

	// CacheTTL is how long fetched keys are trusted. Default 1h.
	CacheTTL time.Duration

	// HTTPClient fetches the JWKS. Default http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	for _, d := range []struct {
		field *string
		value string
	}{
		{&c.UserClaim, "sub"},
		{&c.TenantClaim, "tenant_id"},
		{&c.TierClaim, "tier"},
		{&c.ScopesClaim, "scope"},
	} {
		if *d.field == "" {
			*d.field = d.value
		}
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

var (
	errEmptyToken  = errors.New("empty bearer token")
	errMissingKID  = errors.New("token has no kid header")
	errWrongMethod = errors.New("token is not RSA signed")
)

// Authenticator validates JWT bearer tokens against a JWKS endpoint.
type Authenticator struct {
	config Config
	keys   *keySet
	parser *jwtlib.Parser
}

// New creates a JWT authenticator with the given configuration.
func New(cfg Config) *Authenticator {
	cfg.applyDefaults()

	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}

	return &Authenticator{
		config: cfg,
		keys:   newKeySet(cfg.JWKSURL, cfg.CacheTTL, cfg.HTTPClient),
		parser: jwtlib.NewParser(opts...),
	}
}

// Authenticate abstains without a bearer token, votes No for a token that
// fails verification or lacks the user claim, and Yes otherwise.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.Result {
	raw, ok := auth.BearerToken(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if raw == "" {
		return reject(errEmptyToken)
	}

	claims := jwtlib.MapClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc(ctx)); err != nil {
		debug.Log("auth", "JWT rejected", "error", err)
		return reject(fmt.Errorf("invalid JWT: %w", err))
	}

	subject := stringClaim(claims, a.config.UserClaim)
	if subject == "" {
		return reject(fmt.Errorf("JWT has no %q claim", a.config.UserClaim))
	}

	return auth.Result{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject: subject,
			Tenant:  stringClaim(claims, a.config.TenantClaim),
			Tier:    stringClaim(claims, a.config.TierClaim),
			Scopes:  scopesClaim(claims, a.config.ScopesClaim),
		},
	}
}

// keyFunc resolves the verification key named by the token's kid header.
func (a *Authenticator) keyFunc(ctx context.Context) jwtlib.Keyfunc {
	return func(token *jwtlib.Token) (any, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: alg %v", errWrongMethod, token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errMissingKID
		}
		key, err := a.keys.lookup(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}

func reject(err error) auth.Result {
	return auth.Result{Decision: auth.No, Err: err}
}

// stringClaim returns the claim as a string, or "" when it is missing or
// of another type.
func stringClaim(claims jwtlib.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// scopesClaim accepts "read write" as well as ["read", "write"].
func scopesClaim(claims jwtlib.MapClaims, name string) []string {
	var scopes []string
	switch v := claims[name].(type) {
	case string:
		scopes = strings.Fields(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				scopes = append(scopes, s)
			}
		}
	}
	if len(scopes) == 0 {
		return nil
	}
	return scopes
}
