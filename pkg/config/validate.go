package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	if c.Codegen.BaseURL == "" {
		errs = append(errs, errors.New("codegen.base_url is required"))
	}
	if c.Codegen.Model == "" {
		errs = append(errs, errors.New("codegen.model is required"))
	}

	switch c.Sandbox.Backend {
	case "container":
	case "remote":
		if c.Sandbox.Remote.URL == "" {
			errs = append(errs, errors.New("sandbox.remote.url is required when sandbox.backend is \"remote\""))
		}
	case "kubernetes":
		if c.Sandbox.Kubernetes.Template == "" {
			errs = append(errs, errors.New("sandbox.kubernetes.template is required when sandbox.backend is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be \"container\", \"remote\" or \"kubernetes\", got %q", c.Sandbox.Backend))
	}
	if c.Sandbox.Timeout < 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout must not be negative, got %s", c.Sandbox.Timeout))
	}

	if c.Pipeline.MaxFixRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_fix_retries must be >= 0, got %d", c.Pipeline.MaxFixRetries))
	}
	if c.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent must be >= 0, got %d", c.Pipeline.MaxConcurrent))
	}
	if c.Pipeline.MaxUnits <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_units must be > 0, got %d", c.Pipeline.MaxUnits))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, errors.New("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	switch c.Artifacts.Type {
	case "memory", "none":
	case "minio":
		if c.Artifacts.MinIO.Endpoint == "" {
			errs = append(errs, errors.New("artifacts.minio.endpoint is required when artifacts.type is \"minio\""))
		}
		if c.Artifacts.MinIO.Bucket == "" {
			errs = append(errs, errors.New("artifacts.minio.bucket is required when artifacts.type is \"minio\""))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.type must be \"memory\", \"minio\" or \"none\", got %q", c.Artifacts.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, errors.New("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
	case "jwt":
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	return errors.Join(errs...)
}
