package config

import (
	"os"
	"strconv"
)

// ApplyEnv overlays a fixed set of environment variables onto cfg, taking
// precedence over both Default() and the loaded file. This mirrors the
// common "env wins" convention for container deployments without pulling
// in a full env-struct-tag library for a handful of knobs.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SANDBOX_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Sandbox.TimeoutMs = n
		}
	}
	if v := os.Getenv("SANDBOX_MEM_MAX"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Sandbox.MemBytesMax = n
		}
	}
	if v := os.Getenv("SANDBOX_POOL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.PoolMin = n
		}
	}
	if v := os.Getenv("SANDBOX_POOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.PoolMax = n
		}
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = SandboxBackend(v)
	}
	if v := os.Getenv("SELFEXTEND_S3_BUCKET"); v != "" {
		cfg.Storage.Backend = StorageBackendS3
		cfg.Storage.S3.Bucket = v
	}
	return cfg
}
