package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOSCRIPT_"

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, AUTOSCRIPT_CONFIG env, ./config.yaml, /etc/autoscript/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if filePath := discoverConfigFile(configPath); filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. AUTOSCRIPT_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/autoscript/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/autoscript/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envBinding maps one environment variable suffix onto a config field.
type envBinding struct {
	name  string
	apply func(cfg *Config, v string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"PORT", integer(func(c *Config) *int { return &c.Server.Port })},

	{"CODEGEN_BASE_URL", str(func(c *Config) *string { return &c.Codegen.BaseURL })},
	{"CODEGEN_API_KEY", str(func(c *Config) *string { return &c.Codegen.APIKey })},
	{"CODEGEN_MODEL", str(func(c *Config) *string { return &c.Codegen.Model })},
	{"CODEGEN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Codegen.Timeout })},
	{"CODEGEN_DISABLE_TOOLS", boolean(func(c *Config) *bool { return &c.Codegen.DisableTools })},

	{"SANDBOX_BACKEND", str(func(c *Config) *string { return &c.Sandbox.Backend })},
	{"SANDBOX_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Sandbox.Timeout })},
	{"SANDBOX_RUNTIME", str(func(c *Config) *string { return &c.Sandbox.Container.Runtime })},
	{"SANDBOX_IMAGE", str(func(c *Config) *string { return &c.Sandbox.Container.Image })},
	{"SANDBOX_NETWORK", str(func(c *Config) *string { return &c.Sandbox.Container.Network })},
	{"SANDBOX_URL", str(func(c *Config) *string { return &c.Sandbox.Remote.URL })},
	{"SANDBOX_NAMESPACE", str(func(c *Config) *string { return &c.Sandbox.Kubernetes.Namespace })},
	{"SANDBOX_TEMPLATE", str(func(c *Config) *string { return &c.Sandbox.Kubernetes.Template })},

	{"MAX_FIX_RETRIES", integer(func(c *Config) *int { return &c.Pipeline.MaxFixRetries })},
	{"RUN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Pipeline.RunTimeout })},
	{"WORK_ROOT", str(func(c *Config) *string { return &c.Pipeline.WorkRoot })},
	{"MAX_CONCURRENT", integer(func(c *Config) *int { return &c.Pipeline.MaxConcurrent })},
	{"RESOLVE_DEPENDENCIES", boolean(func(c *Config) *bool { return &c.Pipeline.ResolveDependencies })},

	{"STORAGE", str(func(c *Config) *string { return &c.Storage.Type })},
	{"STORAGE_SIZE", integer(func(c *Config) *int { return &c.Storage.MaxSize })},
	{"POSTGRES_DSN", str(func(c *Config) *string { return &c.Storage.Postgres.DSN })},

	{"ARTIFACTS", str(func(c *Config) *string { return &c.Artifacts.Type })},
	{"MINIO_ENDPOINT", str(func(c *Config) *string { return &c.Artifacts.MinIO.Endpoint })},
	{"MINIO_ACCESS_KEY", str(func(c *Config) *string { return &c.Artifacts.MinIO.AccessKey })},
	{"MINIO_SECRET_KEY", str(func(c *Config) *string { return &c.Artifacts.MinIO.SecretKey })},
	{"MINIO_BUCKET", str(func(c *Config) *string { return &c.Artifacts.MinIO.Bucket })},
	{"MINIO_USE_SSL", boolean(func(c *Config) *bool { return &c.Artifacts.MinIO.UseSSL })},

	{"AUTH_TYPE", str(func(c *Config) *string { return &c.Auth.Type })},
	{"JWT_ISSUER", str(func(c *Config) *string { return &c.Auth.JWT.Issuer })},
	{"JWT_AUDIENCE", str(func(c *Config) *string { return &c.Auth.JWT.Audience })},
	{"JWT_JWKS_URL", str(func(c *Config) *string { return &c.Auth.JWT.JWKSURL })},
	{"API_KEYS", func(c *Config, v string) error {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			return err
		}
		c.Auth.APIKeys = keys
		return nil
	}},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
	{"DEBUG", str(func(c *Config) *string { return &c.Logging.Debug })},
}

// applyEnvOverrides maps AUTOSCRIPT_* environment variables to config
// fields. Malformed values are reported with the variable name.
func applyEnvOverrides(cfg *Config) error {
	for _, b := range envBindings {
		v := os.Getenv(EnvPrefix + b.name)
		if v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// secretRef pairs a _file field with the value it fills.
type secretRef struct {
	name  string
	file  string
	value *string
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields when those are empty. File contents are whitespace trimmed.
func resolveFileReferences(cfg *Config) error {
	refs := []secretRef{
		{"codegen.api_key_file", cfg.Codegen.APIKeyFile, &cfg.Codegen.APIKey},
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"artifacts.minio.secret_key_file", cfg.Artifacts.MinIO.SecretKeyFile, &cfg.Artifacts.MinIO.SecretKey},
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		refs = append(refs, secretRef{fmt.Sprintf("auth.api_keys[%d].key_file", i), k.KeyFile, &k.Key})
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
