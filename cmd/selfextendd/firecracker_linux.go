//go:build linux

package main

import (
	"github.com/selfextend/core/internal/config"
	"github.com/selfextend/core/internal/registry"
	"github.com/selfextend/core/internal/sandbox"
	fc "github.com/selfextend/core/internal/sandbox/firecracker"
)

func newFirecrackerFactory(cfg config.Config) sandbox.Factory {
	rootfsImages := make(map[registry.Runtime]string, len(cfg.Sandbox.Firecracker.RootFSImages))
	for runtime, path := range cfg.Sandbox.Firecracker.RootFSImages {
		rootfsImages[registry.Runtime(runtime)] = path
	}

	fcCfg := fc.Config{
		KernelPath:     cfg.Sandbox.Firecracker.KernelPath,
		RootFSImages:   rootfsImages,
		VCPUs:          cfg.Sandbox.Firecracker.VCPUs,
		MemSizeMB:      cfg.Sandbox.Firecracker.MemSizeMB,
		NetworkEnabled: cfg.Sandbox.Firecracker.NetworkEnabled,
	}

	return func() (sandbox.Worker, error) {
		return fc.New(fcCfg)
	}
}
