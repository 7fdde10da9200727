// Package auth authenticates callers of the autoscript HTTP API.
//
// Authenticators vote Yes (identity found), No (credentials present but
// invalid) or Abstain (credentials of another kind). A Chain asks each in
// turn and falls back to its default decision when all abstain.
//
// Middleware runs the chain, applies per-tier rate limits and stores the
// identity and tenant in the request context, where storage adapters pick
// up the tenant for scoping.
package auth
