package storage

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/selfextend/core/internal/sim"
)

// SimStorage is an in-memory Backend that consults a sim.FaultInjector
// before every operation, for deterministic-simulation testing of
// Backend users such as KeyStore against storage faults. A write that is not
// failed by the injector is durable: subsequent reads of that key always
// observe it, including after later operations are themselves failed by
// the injector.
type SimStorage struct {
	mu       sync.RWMutex
	data     map[string][]byte
	injector *sim.FaultInjector
}

// NewSimStorage creates an empty simulated store using injector for fault
// decisions. injector may be nil, in which case no faults are ever
// injected.
func NewSimStorage(injector *sim.FaultInjector) *SimStorage {
	return &SimStorage{data: make(map[string][]byte), injector: injector}
}

func (s *SimStorage) shouldFail(t sim.FaultType) bool {
	if s.injector == nil {
		return false
	}
	return s.injector.ShouldFail(t)
}

// Get implements Backend.
func (s *SimStorage) Get(_ context.Context, key string) ([]byte, error) {
	if s.shouldFail(sim.FaultStorageReadFail) {
		return nil, fmt.Errorf("%w: injected fault reading %q", ErrReadFailed, key)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put implements Backend.
func (s *SimStorage) Put(_ context.Context, key string, value []byte) error {
	if s.shouldFail(sim.FaultStorageWriteFail) {
		return fmt.Errorf("%w: injected fault writing %q", ErrWriteFailed, key)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cp
	return nil
}

// Delete implements Backend.
func (s *SimStorage) Delete(_ context.Context, key string) error {
	if s.shouldFail(sim.FaultStorageWriteFail) {
		return fmt.Errorf("%w: injected fault deleting %q", ErrWriteFailed, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List implements Backend.
func (s *SimStorage) List(_ context.Context) ([]string, error) {
	if s.shouldFail(sim.FaultStorageReadFail) {
		return nil, fmt.Errorf("%w: injected fault listing keys", ErrReadFailed)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range maps.Keys(s.data) {
		keys = append(keys, k)
	}
	return keys, nil
}
