// Package config loads and validates process configuration for the
// proposal engine, the sandbox pool, and the key store, following the
// teacher's layered config package: a raw YAML document (with
// $include and ${ENV} expansion) decoded into a typed Config.
package config

import (
	"fmt"
	"time"
)

// StorageBackend selects the durable-storage implementation wired behind
// internal/storage.Backend.
type StorageBackend string

const (
	StorageBackendFile StorageBackend = "file"
	StorageBackendS3   StorageBackend = "s3"
)

// ProposalStoreKind selects the Persistence implementation wired into the
// proposal engine.
type ProposalStoreKind string

const (
	ProposalStoreJSON   ProposalStoreKind = "json"
	ProposalStoreSQLite ProposalStoreKind = "sqlite"
)

// SandboxBackend selects the Worker factory wired into the sandbox pool.
type SandboxBackend string

const (
	SandboxBackendProcess     SandboxBackend = "process"
	SandboxBackendDocker      SandboxBackend = "docker"
	SandboxBackendFirecracker SandboxBackend = "firecracker"
)

// Config is the root configuration document.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Storage  StorageConfig  `yaml:"storage"`
	Proposal ProposalConfig `yaml:"proposal"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Log      LogConfig      `yaml:"log"`
}

// StorageConfig selects and configures the durable-storage backend.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	S3      S3Config       `yaml:"s3"`
}

// S3Config configures the S3 storage.Backend.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// ProposalConfig configures the proposal engine's persistence layer and
// cleanup schedule.
type ProposalConfig struct {
	Store           ProposalStoreKind `yaml:"store"`
	SQLitePath      string            `yaml:"sqlite_path"`
	CleanupSchedule string            `yaml:"cleanup_schedule"`
	PendingMax      int               `yaml:"pending_max"`
}

// SandboxConfig configures the sandbox worker pool.
type SandboxConfig struct {
	Backend        SandboxBackend    `yaml:"backend"`
	PoolMin        int               `yaml:"pool_min"`
	PoolMax        int               `yaml:"pool_max"`
	TimeoutMs      uint64            `yaml:"timeout_ms"`
	MemBytesMax    uint64            `yaml:"mem_bytes_max"`
	AcquireTimeout time.Duration     `yaml:"acquire_timeout"`
	Firecracker    FirecrackerConfig `yaml:"firecracker"`
}

// FirecrackerConfig configures the firecracker sandbox backend. It is only
// consulted when Sandbox.Backend == SandboxBackendFirecracker, and is
// ignored entirely on non-linux builds.
type FirecrackerConfig struct {
	KernelPath     string            `yaml:"kernel_path"`
	RootFSImages   map[string]string `yaml:"rootfs_images"`
	VCPUs          int64             `yaml:"vcpus"`
	MemSizeMB      int64             `yaml:"mem_size_mb"`
	NetworkEnabled bool              `yaml:"network_enabled"`
}

// LogConfig configures the process-wide slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with the specification's defaults,
// suitable as a base for env/file overrides.
func Default() Config {
	return Config{
		DataDir: "./data",
		Storage: StorageConfig{Backend: StorageBackendFile},
		Proposal: ProposalConfig{
			Store:           ProposalStoreJSON,
			CleanupSchedule: "17 3 * * *",
			PendingMax:      50,
		},
		Sandbox: SandboxConfig{
			Backend:        SandboxBackendDocker,
			PoolMin:        1,
			PoolMax:        8,
			TimeoutMs:      30_000,
			MemBytesMax:    512 * 1024 * 1024,
			AcquireTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate rejects configuration combinations the rest of the system
// cannot act on safely.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Storage.Backend == StorageBackendS3 && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("config: storage.s3.bucket is required when storage.backend is s3")
	}
	if c.Proposal.Store == ProposalStoreSQLite && c.Proposal.SQLitePath == "" {
		return fmt.Errorf("config: proposal.sqlite_path is required when proposal.store is sqlite")
	}
	if c.Sandbox.PoolMin < 0 || c.Sandbox.PoolMax <= 0 || c.Sandbox.PoolMin > c.Sandbox.PoolMax {
		return fmt.Errorf("config: invalid sandbox pool bounds [%d, %d]", c.Sandbox.PoolMin, c.Sandbox.PoolMax)
	}
	if c.Sandbox.Backend == SandboxBackendFirecracker && c.Sandbox.Firecracker.KernelPath == "" {
		return fmt.Errorf("config: sandbox.firecracker.kernel_path is required when sandbox.backend is firecracker")
	}
	return nil
}
