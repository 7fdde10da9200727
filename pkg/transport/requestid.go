package transport

import (
	"context"

	"github.com/google/uuid"
)

// RequestID returns middleware that makes sure every run has a request ID
// in its context. An ID set by the HTTP adapter from the X-Request-ID header
// is kept; otherwise a new one is generated.
func RequestID() Middleware {
	return func(next RunCreator) RunCreator {
		return RunCreatorFunc(func(ctx context.Context, req *RunRequest) (*RunResult, error) {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, uuid.NewString())
			}
			return next.CreateRun(ctx, req)
		})
	}
}
