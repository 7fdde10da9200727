package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/autoscript/pkg/api"
)

// Recovery returns middleware that converts a panic in the run into a
// server error. The server keeps serving other requests.
func Recovery() Middleware {
	return func(next RunCreator) RunCreator {
		return RunCreatorFunc(func(ctx context.Context, req *RunRequest) (res *RunResult, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in run handler",
						"request_id", RequestIDFromContext(ctx),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					res = nil
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.CreateRun(ctx, req)
		})
	}
}
