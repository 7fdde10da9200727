package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rhuss/autoscript/pkg/auth"
	"github.com/rhuss/autoscript/pkg/config"
	"github.com/rhuss/autoscript/pkg/sandbox/container"
	"github.com/rhuss/autoscript/pkg/sandbox/remote"
)

func TestNewRunner(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.SandboxConfig
		want    string
		wantErr bool
	}{
		{
			name: "container by default",
			cfg:  config.SandboxConfig{Container: config.ContainerConfig{Runtime: "podman"}},
			want: "container",
		},
		{
			name: "remote",
			cfg:  config.SandboxConfig{Backend: "remote", Remote: config.RemoteConfig{URL: "http://sandbox:8080"}},
			want: "remote",
		},
		{
			name:    "remote without url",
			cfg:     config.SandboxConfig{Backend: "remote"},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			cfg:     config.SandboxConfig{Backend: "vm"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, err := NewRunner(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRunner: %v", err)
			}
			switch tt.want {
			case "container":
				if _, ok := runner.(*container.Runner); !ok {
					t.Errorf("runner = %T, want *container.Runner", runner)
				}
			case "remote":
				if _, ok := runner.(*remote.Runner); !ok {
					t.Errorf("runner = %T, want *remote.Runner", runner)
				}
			}
		})
	}
}

func TestClientTimeout(t *testing.T) {
	if got := clientTimeout(0); got != 0 {
		t.Errorf("clientTimeout(0) = %v, want 0", got)
	}
	if got := clientTimeout(time.Minute); got != 90*time.Second {
		t.Errorf("clientTimeout(1m) = %v, want 1m30s", got)
	}
}

func TestNewPipeline(t *testing.T) {
	cfg := config.Defaults()
	cfg.Codegen.BaseURL = "http://localhost:9999"
	cfg.Codegen.Model = "test-model"
	cfg.Sandbox.Backend = "remote"
	cfg.Sandbox.Remote.URL = "http://localhost:9998"

	p, err := NewPipeline(&cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	if p.Orchestrator == nil {
		t.Fatal("orchestrator not built")
	}
	if p.Runner.Name() == "" {
		t.Error("runner has no name")
	}
}

func TestNewPipelineBadSandbox(t *testing.T) {
	cfg := config.Defaults()
	cfg.Codegen.BaseURL = "http://localhost:9999"
	cfg.Codegen.Model = "test-model"
	cfg.Sandbox.Backend = "vm"

	if _, err := NewPipeline(&cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestNewStores(t *testing.T) {
	ctx := context.Background()

	store, err := NewRunStore(ctx, config.StorageConfig{Type: "memory", MaxSize: 10})
	if err != nil || store == nil {
		t.Fatalf("memory run store: %v", err)
	}
	if _, err := NewRunStore(ctx, config.StorageConfig{Type: "redis"}); err == nil {
		t.Error("expected error for unknown storage type")
	}

	arts, err := NewArtifactStore(ctx, config.ArtifactsConfig{Type: "memory"})
	if err != nil || arts == nil {
		t.Fatalf("memory artifact store: %v", err)
	}
	arts, err = NewArtifactStore(ctx, config.ArtifactsConfig{Type: "none"})
	if err != nil || arts != nil {
		t.Errorf("none: store = %v, err = %v", arts, err)
	}
	if _, err := NewArtifactStore(ctx, config.ArtifactsConfig{Type: "s3"}); err == nil {
		t.Error("expected error for unknown artifacts type")
	}
}

func TestNewAuth(t *testing.T) {
	t.Run("none accepts anonymous", func(t *testing.T) {
		chain, limiter, err := NewAuth(config.AuthConfig{Type: "none"})
		if err != nil {
			t.Fatal(err)
		}
		if limiter != nil {
			t.Error("limiter built without limits")
		}
		res := chain.Authenticate(context.Background(), httptest.NewRequest("GET", "/", nil))
		if res.Decision != auth.Yes {
			t.Errorf("decision = %v, want yes", res.Decision)
		}
	})

	t.Run("apikey", func(t *testing.T) {
		chain, _, err := NewAuth(config.AuthConfig{
			Type: "apikey",
			APIKeys: []config.APIKeyConfig{
				{Key: "secret", Subject: "alice", TenantID: "t1", ServiceTier: "premium"},
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer secret")
		res := chain.Authenticate(context.Background(), r)
		if res.Decision != auth.Yes {
			t.Fatalf("decision = %v, want yes", res.Decision)
		}
		if res.Identity.Subject != "alice" || res.Identity.Tenant != "t1" || res.Identity.Tier != "premium" {
			t.Errorf("identity = %+v", res.Identity)
		}

		r = httptest.NewRequest("GET", "/", nil)
		if got := chain.Authenticate(context.Background(), r).Decision; got != auth.No {
			t.Errorf("missing key: decision = %v, want no", got)
		}
	})

	t.Run("rate limits", func(t *testing.T) {
		_, limiter, err := NewAuth(config.AuthConfig{DefaultRPM: 1})
		if err != nil {
			t.Fatal(err)
		}
		if limiter == nil {
			t.Fatal("limiter not built")
		}
		id := &auth.Identity{Subject: "bob"}
		if err := limiter.Allow(context.Background(), id); err != nil {
			t.Fatalf("first request: %v", err)
		}
		var limitErr *auth.LimitError
		if err := limiter.Allow(context.Background(), id); !errors.As(err, &limitErr) {
			t.Errorf("second request: err = %v, want *auth.LimitError", err)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, _, err := NewAuth(config.AuthConfig{Type: "ldap"}); err == nil {
			t.Error("expected error")
		}
	})
}
