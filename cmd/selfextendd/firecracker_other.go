//go:build !linux

package main

import (
	"fmt"

	"github.com/selfextend/core/internal/config"
	"github.com/selfextend/core/internal/sandbox"
)

// newFirecrackerFactory is unavailable outside linux: Firecracker is a
// KVM-only hypervisor, so selecting this backend on another platform is a
// configuration error surfaced at worker-creation time rather than a
// silent fallback to the process backend.
func newFirecrackerFactory(cfg config.Config) sandbox.Factory {
	return func() (sandbox.Worker, error) {
		return nil, fmt.Errorf("sandbox: firecracker backend is only available on linux")
	}
}
