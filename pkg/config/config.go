// Package config provides unified configuration for the autoscript service
// and its commands.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (AUTOSCRIPT_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for autoscript.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Codegen       CodegenConfig       `yaml:"codegen"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Storage       StorageConfig       `yaml:"storage"`
	Artifacts     ArtifactsConfig     `yaml:"artifacts"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int           `yaml:"port"`             // default: 8080
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default: 60s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default: 20m, runs are synchronous
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // default: 64 MiB
}

// CodegenConfig holds the code generation backend settings.
type CodegenConfig struct {
	BaseURL      string        `yaml:"base_url"`     // required
	APIKey       string        `yaml:"api_key"`      // optional
	APIKeyFile   string        `yaml:"api_key_file"` // _file variant for api_key
	Model        string        `yaml:"model"`        // required
	Temperature  *float64      `yaml:"temperature"`  // optional
	MaxTokens    int           `yaml:"max_tokens"`   // 0 = backend default
	Timeout      time.Duration `yaml:"timeout"`      // default: 120s
	DisableTools bool          `yaml:"disable_tools"`
}

// SandboxConfig selects and configures the execution backend.
type SandboxConfig struct {
	Backend    string           `yaml:"backend"` // "container" (default), "remote", "kubernetes"
	Timeout    time.Duration    `yaml:"timeout"` // per execution, default: 2m
	Container  ContainerConfig  `yaml:"container"`
	Remote     RemoteConfig     `yaml:"remote"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// ContainerConfig holds settings for the local container backend.
type ContainerConfig struct {
	Runtime      string        `yaml:"runtime"` // "podman", "docker" or empty to detect
	Image        string        `yaml:"image"`
	BuildContext string        `yaml:"build_context"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
	Memory       string        `yaml:"memory"`
	CPUs         string        `yaml:"cpus"`
	PIDs         int64         `yaml:"pids"`
	Network      string        `yaml:"network"`
	MountOptions string        `yaml:"mount_options"`
}

// RemoteConfig points at a running sandbox server.
type RemoteConfig struct {
	URL string `yaml:"url"`
}

// KubernetesConfig holds settings for sandbox claims in a cluster.
type KubernetesConfig struct {
	Namespace    string        `yaml:"namespace"`
	Template     string        `yaml:"template"`
	Port         int           `yaml:"port"`          // default: 8080
	ClaimTimeout time.Duration `yaml:"claim_timeout"` // default: 2m
}

// PipelineConfig holds retry loop settings.
type PipelineConfig struct {
	MaxFixRetries       int           `yaml:"max_fix_retries"`      // default: 2
	RunTimeout          time.Duration `yaml:"run_timeout"`          // default: 15m
	WorkRoot            string        `yaml:"work_root"`            // default: system temp dir
	ResolveDependencies bool          `yaml:"resolve_dependencies"` // default: false
	MaxUnits            int           `yaml:"max_units"`            // default: 16
	MaxOutputBytes      int64         `yaml:"max_output_bytes"`     // default: 256 MiB
	MaxConcurrent       int           `yaml:"max_concurrent"`       // default: 4, 0 = unbounded
}

// StorageConfig holds run record settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory" or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// ArtifactsConfig holds artifact retention settings.
type ArtifactsConfig struct {
	Type  string      `yaml:"type"` // "memory" (default), "minio" or "none"
	MinIO MinIOConfig `yaml:"minio"`
}

// MinIOConfig holds S3-compatible object store settings.
type MinIOConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	SecretKeyFile string `yaml:"secret_key_file"` // _file variant for secret_key
	Region        string `yaml:"region"`
	UseSSL        bool   `yaml:"use_ssl"`
	Bucket        string `yaml:"bucket"`
	CreateBucket  bool   `yaml:"create_bucket"`
}

// AuthConfig holds authentication and rate limit settings.
type AuthConfig struct {
	Type       string         `yaml:"type"`        // "none", "apikey" or "jwt", default: "none"
	APIKeys    []APIKeyConfig `yaml:"api_keys"`    // entries for type=apikey
	JWT        JWTConfig      `yaml:"jwt"`         // settings for type=jwt
	RateLimits map[string]int `yaml:"rate_limits"` // requests per minute by service tier
	DefaultRPM int            `yaml:"default_rpm"` // 0 = unlimited
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `json:"key" yaml:"key"`
	KeyFile     string `json:"key_file" yaml:"key_file"` // _file variant for key
	Subject     string `json:"subject" yaml:"subject"`
	TenantID    string `json:"tenant_id" yaml:"tenant_id"`
	ServiceTier string `json:"service_tier" yaml:"service_tier"`
}

// JWTConfig holds JWT/OIDC validation settings.
type JWTConfig struct {
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	JWKSURL     string `yaml:"jwks_url"`
	UserClaim   string `yaml:"user_claim"`
	TenantClaim string `yaml:"tenant_claim"`
	TierClaim   string `yaml:"tier_claim"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig holds slog and debug category settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "INFO"
	Format string `yaml:"format"` // "text" (default) or "json"
	Debug  string `yaml:"debug"`  // comma separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   20 * time.Minute,
			MaxUploadBytes: 64 << 20,
		},
		Codegen: CodegenConfig{
			Timeout: 120 * time.Second,
		},
		Sandbox: SandboxConfig{
			Backend: "container",
			Timeout: 2 * time.Minute,
			Container: ContainerConfig{
				BuildTimeout: 10 * time.Minute,
				Memory:       "1g",
				PIDs:         256,
			},
			Kubernetes: KubernetesConfig{
				Port:         8080,
				ClaimTimeout: 2 * time.Minute,
			},
		},
		Pipeline: PipelineConfig{
			MaxFixRetries:  2,
			RunTimeout:     15 * time.Minute,
			MaxUnits:       16,
			MaxOutputBytes: 256 << 20,
			MaxConcurrent:  4,
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Artifacts: ArtifactsConfig{
			Type: "memory",
			MinIO: MinIOConfig{
				Region: "us-east-1",
				Bucket: "autoscript-artifacts",
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
