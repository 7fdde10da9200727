package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/observability"
	"github.com/rhuss/autoscript/pkg/storage"
)

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every request not in bypass, applies limiter
// when it is non-nil, and injects identity and tenant into the context.
func Middleware(chain *Chain, limiter RateLimiter, bypass []string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(bypass))
	for _, ep := range bypass {
		skip[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			res := chain.Authenticate(r.Context(), r)
			if res.Decision != Yes || res.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"decision", res.Decision.String(),
					"error", res.Err,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="autoscript"`)
				writeError(w, http.StatusUnauthorized, &api.APIError{
					Type:    api.ErrorTypeInvalidRequest,
					Code:    "unauthenticated",
					Message: "authentication required",
				})
				return
			}

			id := res.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				writeError(w, http.StatusInternalServerError, api.NewServerError("internal authentication error"))
				return
			}
			debug.Log("auth", "authenticated", "subject", id.Subject, "tier", id.ServiceTier(), "path", r.URL.Path)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.ServiceTier())
					observability.RateLimitRejectedTotal.WithLabelValues(id.ServiceTier()).Inc()

					var limitErr *LimitError
					if errors.As(err, &limitErr) {
						secs := int(math.Ceil(limitErr.RetryAfter.Seconds()))
						w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
					}
					writeError(w, http.StatusTooManyRequests, api.NewTooManyRequestsError("rate limit exceeded"))
					return
				}
			}

			ctx := SetIdentity(r.Context(), id)
			if id.Tenant != "" {
				ctx = storage.SetTenant(ctx, id.Tenant)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}
