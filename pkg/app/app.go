// Package app builds the components of autoscript from a config.Config.
// The commands share it so that the server, the MCP server and the CLI run
// the same pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	k8sconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/autoscript/pkg/artifacts"
	artmemory "github.com/rhuss/autoscript/pkg/artifacts/memory"
	artminio "github.com/rhuss/autoscript/pkg/artifacts/minio"
	"github.com/rhuss/autoscript/pkg/auth"
	"github.com/rhuss/autoscript/pkg/auth/apikey"
	"github.com/rhuss/autoscript/pkg/auth/jwt"
	"github.com/rhuss/autoscript/pkg/auth/noop"
	"github.com/rhuss/autoscript/pkg/codegen"
	"github.com/rhuss/autoscript/pkg/codegen/openaicompat"
	"github.com/rhuss/autoscript/pkg/config"
	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/digest"
	"github.com/rhuss/autoscript/pkg/output"
	"github.com/rhuss/autoscript/pkg/pipeline"
	"github.com/rhuss/autoscript/pkg/sandbox"
	"github.com/rhuss/autoscript/pkg/sandbox/container"
	"github.com/rhuss/autoscript/pkg/sandbox/kubernetes"
	"github.com/rhuss/autoscript/pkg/sandbox/remote"
	"github.com/rhuss/autoscript/pkg/storage"
	"github.com/rhuss/autoscript/pkg/storage/memory"
	"github.com/rhuss/autoscript/pkg/storage/postgres"
)

// InitLogging configures slog and debug categories from cfg.
func InitLogging(cfg config.LoggingConfig) {
	debug.Init(debug.Options{
		Categories: cfg.Debug,
		Level:      cfg.Level,
		Format:     cfg.Format,
	})
}

// Pipeline is a ready orchestrator and the resources behind it.
type Pipeline struct {
	*pipeline.Orchestrator

	Generator codegen.Generator
	Runner    sandbox.Runner

	closers []func() error
}

// Close releases the generator's HTTP client.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewPipeline builds the generator, the sandbox runner and the orchestrator.
func NewPipeline(cfg *config.Config) (*Pipeline, error) {
	gen, err := NewGenerator(cfg.Codegen)
	if err != nil {
		return nil, err
	}
	runner, err := NewRunner(cfg.Sandbox)
	if err != nil {
		gen.Close()
		return nil, err
	}

	instrumented := codegen.NewInstrumented(gen)
	return &Pipeline{
		Orchestrator: NewOrchestrator(instrumented, runner, cfg),
		Generator:    instrumented,
		Runner:       runner,
		closers:      []func() error{gen.Close},
	}, nil
}

// NewGenerator creates the Chat Completions code generator.
func NewGenerator(cfg config.CodegenConfig) (*openaicompat.Generator, error) {
	var maxTokens *int
	if cfg.MaxTokens > 0 {
		maxTokens = &cfg.MaxTokens
	}
	gen, err := openaicompat.New(openaicompat.Config{
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    maxTokens,
		Timeout:      cfg.Timeout,
		DisableTools: cfg.DisableTools,
	})
	if err != nil {
		return nil, fmt.Errorf("creating code generator: %w", err)
	}
	return gen, nil
}

// NewRunner creates the configured sandbox backend.
func NewRunner(cfg config.SandboxConfig) (sandbox.Runner, error) {
	switch cfg.Backend {
	case "", "container":
		c := cfg.Container
		return container.New(container.Config{
			Runtime:      c.Runtime,
			Image:        c.Image,
			BuildContext: c.BuildContext,
			BuildTimeout: c.BuildTimeout,
			Memory:       c.Memory,
			CPUs:         c.CPUs,
			PIDs:         c.PIDs,
			Network:      c.Network,
			MountOptions: c.MountOptions,
		}), nil

	case "remote":
		if cfg.Remote.URL == "" {
			return nil, errors.New("sandbox.remote.url is required for the remote backend")
		}
		return remote.New(remote.NewStaticAcquirer(cfg.Remote.URL), remote.NewClient(clientTimeout(cfg.Timeout))), nil

	case "kubernetes":
		k := cfg.Kubernetes
		scheme, err := kubernetes.NewScheme()
		if err != nil {
			return nil, err
		}
		restCfg, err := k8sconfig.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
		c, err := client.New(restCfg, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		slog.Info("sandbox claims enabled", "namespace", k.Namespace, "template", k.Template)
		acq := kubernetes.NewClaimAcquirer(c, k.Template, k.Namespace, k.Port, k.ClaimTimeout)
		return remote.New(acq, remote.NewClient(clientTimeout(cfg.Timeout))), nil
	}
	return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
}

// clientTimeout leaves the sandbox server time to report a timed out
// program before the HTTP exchange is abandoned.
func clientTimeout(execution time.Duration) time.Duration {
	if execution <= 0 {
		return 0
	}
	return execution + 30*time.Second
}

// NewOrchestrator wires gen and runner with the pipeline settings of cfg.
func NewOrchestrator(gen codegen.Generator, runner sandbox.Runner, cfg *config.Config) *pipeline.Orchestrator {
	return pipeline.New(gen, runner,
		pipeline.Config{
			MaxFixRetries:       cfg.Pipeline.MaxFixRetries,
			RunTimeout:          cfg.Pipeline.RunTimeout,
			ExecutionTimeout:    cfg.Sandbox.Timeout,
			WorkRoot:            cfg.Pipeline.WorkRoot,
			ResolveDependencies: cfg.Pipeline.ResolveDependencies,
		},
		pipeline.WithDigester(digest.New(cfg.Pipeline.MaxUnits)),
		pipeline.WithResolver(&output.Resolver{MaxBytes: cfg.Pipeline.MaxOutputBytes}),
		pipeline.WithObserver(pipeline.LogObserver{}),
	)
}

// NewRunStore creates the run record store.
func NewRunStore(ctx context.Context, cfg config.StorageConfig) (storage.RunStore, error) {
	switch cfg.Type {
	case "", "memory":
		slog.Info("run storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		slog.Info("run storage enabled", "type", "postgres")
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

// NewArtifactStore creates the artifact store. It returns nil for type
// "none".
func NewArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifacts.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return artmemory.New(), nil
	case "none":
		return nil, nil
	case "minio":
		m := cfg.MinIO
		store, err := artminio.New(ctx, artminio.Config{
			Endpoint:     m.Endpoint,
			AccessKey:    m.AccessKey,
			SecretKey:    m.SecretKey,
			Region:       m.Region,
			UseSSL:       m.UseSSL,
			Bucket:       m.Bucket,
			CreateBucket: m.CreateBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to minio: %w", err)
		}
		slog.Info("artifact storage enabled", "type", "minio", "endpoint", m.Endpoint, "bucket", m.Bucket)
		return store, nil
	}
	return nil, fmt.Errorf("unknown artifacts type %q", cfg.Type)
}

// NewAuth creates the authenticator chain and the rate limiter. The limiter
// is nil when no limits are configured.
func NewAuth(cfg config.AuthConfig) (*auth.Chain, auth.RateLimiter, error) {
	var chain *auth.Chain
	switch cfg.Type {
	case "", "none":
		chain = auth.NewChain(auth.No, noop.Authenticator{})
	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, apikey.Key{
				Key: k.Key,
				Identity: auth.Identity{
					Subject: k.Subject,
					Tenant:  k.TenantID,
					Tier:    k.ServiceTier,
				},
			})
		}
		chain = auth.NewChain(auth.No, apikey.New(keys))
	case "jwt":
		chain = auth.NewChain(auth.No, jwt.New(jwt.Config{
			Issuer:      cfg.JWT.Issuer,
			Audience:    cfg.JWT.Audience,
			JWKSURL:     cfg.JWT.JWKSURL,
			UserClaim:   cfg.JWT.UserClaim,
			TenantClaim: cfg.JWT.TenantClaim,
			TierClaim:   cfg.JWT.TierClaim,
		}))
	default:
		return nil, nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}

	var limiter auth.RateLimiter
	if len(cfg.RateLimits) > 0 || cfg.DefaultRPM > 0 {
		limiter = auth.NewInProcessLimiter(cfg.RateLimits, cfg.DefaultRPM)
	}
	return chain, limiter, nil
}
