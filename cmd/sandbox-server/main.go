// Command sandbox-server runs the remote execution environment used by the
// "remote" sandbox backend. It is meant to run inside an isolated pod.
//
// Configuration:
//
//	SANDBOX_PORT            - Listen port (default: 8080)
//	SANDBOX_PYTHON          - Python interpreter (default: python3)
//	SANDBOX_MAX_CONCURRENT  - Max concurrent executions (default: 3)
//	SANDBOX_PYTHON_INDEX    - Python package index URL (default: https://pypi.org/simple/)
//	SANDBOX_DEFAULT_TIMEOUT - Execution timeout when a request has none (default: 30s)
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/sandbox/server"
)

func main() {
	debug.Init(debug.Options{})

	port := envOr("SANDBOX_PORT", "8080")
	cfg := server.Config{
		Python:         envOr("SANDBOX_PYTHON", "python3"),
		MaxConcurrent:  envOrInt("SANDBOX_MAX_CONCURRENT", 3),
		PythonIndex:    envOr("SANDBOX_PYTHON_INDEX", "https://pypi.org/simple/"),
		DefaultTimeout: envOrDuration("SANDBOX_DEFAULT_TIMEOUT", 30*time.Second),
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("invalid sandbox configuration", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:        ":" + port,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// Executions include package installs; the per-request timeout is
		// enforced by the handler.
		WriteTimeout: 15 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sandbox server starting", "port", port, "python", srv.Python(), "max_concurrent", cfg.MaxConcurrent)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return d
}
