package transport

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs one entry per run with the request
// ID, run ID, attempts and duration. Status codes are logged by the HTTP
// layer.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next RunCreator) RunCreator {
		return RunCreatorFunc(func(ctx context.Context, req *RunRequest) (*RunResult, error) {
			start := time.Now()

			res, err := next.CreateRun(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.Int("files", len(req.Paths)),
				slog.Duration("duration", time.Since(start)),
			}
			if res != nil && res.Run != nil {
				attrs = append(attrs,
					slog.String("run_id", res.Run.ID),
					slog.String("status", string(res.Run.Status)),
					slog.Int("attempts", res.Run.Attempts),
				)
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "run failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "run completed", attrs...)
			}
			return res, err
		})
	}
}
