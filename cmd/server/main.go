// Command server runs the autoscript HTTP service.
//
// Configuration is read from a YAML file (-config, AUTOSCRIPT_CONFIG,
// ./config.yaml or /etc/autoscript/config.yaml) and AUTOSCRIPT_*
// environment variables. The minimal setup is:
//
//	AUTOSCRIPT_CODEGEN_BASE_URL - Chat Completions backend URL (required)
//	AUTOSCRIPT_CODEGEN_MODEL    - Model name (required)
//	AUTOSCRIPT_PORT             - Listen port (default: 8080)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rhuss/autoscript/pkg/app"
	"github.com/rhuss/autoscript/pkg/config"
	"github.com/rhuss/autoscript/pkg/transport"
	transporthttp "github.com/rhuss/autoscript/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app.InitLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := app.NewPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	// Runs report an unready sandbox per request; startup only warns.
	prepareCtx, cancel := context.WithTimeout(ctx, cfg.Sandbox.Container.BuildTimeout+time.Minute)
	if err := p.Runner.Prepare(prepareCtx); err != nil {
		slog.Warn("sandbox not ready", "backend", p.Runner.Name(), "error", err)
	}
	cancel()

	store, err := app.NewRunStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	arts, err := app.NewArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	chain, limiter, err := app.NewAuth(cfg.Auth)
	if err != nil {
		return err
	}

	svc := transport.NewService(p, store, arts, cfg.Pipeline.MaxConcurrent)

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}

	srv := transporthttp.NewServer(svc, svc,
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxUploadBytes),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithMetricsPath(metricsPath),
		transporthttp.WithHealthCheck(svc.HealthCheck),
		transporthttp.WithAuth(chain, limiter),
	)
	slog.Info("autoscript ready",
		"port", cfg.Server.Port,
		"model", cfg.Codegen.Model,
		"sandbox", p.Runner.Name(),
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
	)
	return srv.Run(ctx)
}
