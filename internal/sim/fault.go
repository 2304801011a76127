package sim

import "sync"

// FaultType identifies a category of injected failure.
type FaultType string

const (
	FaultStorageWriteFail FaultType = "storage_write_fail"
	FaultStorageReadFail  FaultType = "storage_read_fail"
	FaultNetworkDrop      FaultType = "network_drop"
	FaultNetworkDelay     FaultType = "network_delay"
	FaultWorkerCrash      FaultType = "worker_crash"
)

// FaultSchedule is one entry of a declarative fault schedule: a fault type
// and the probability (in [0, 1]) that it fires on any given check.
type FaultSchedule struct {
	Type        FaultType
	Probability float64
}

// FaultInjector draws from a DeterministicRng to decide, for each configured
// fault type, whether an operation about to happen should fail. Given the
// same seed and the same schedule, the sequence of decisions is identical
// across runs.
type FaultInjector struct {
	rng *DeterministicRng

	mu       sync.Mutex
	schedule map[FaultType]float64
}

// NewFaultInjector creates an injector drawing from rng, configured with the
// given declarative schedule. Unlisted fault types never fire.
func NewFaultInjector(rng *DeterministicRng, schedule []FaultSchedule) *FaultInjector {
	m := make(map[FaultType]float64, len(schedule))
	for _, s := range schedule {
		m[s.Type] = s.Probability
	}
	return &FaultInjector{rng: rng, schedule: m}
}

// SetProbability updates (or adds) the probability for a fault type.
func (f *FaultInjector) SetProbability(t FaultType, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedule[t] = p
}

// ShouldFail draws one sample from the injector's RNG and returns true with
// the probability configured for t. Types with no configured entry never
// fail. Every call consumes exactly one RNG draw, regardless of outcome,
// so the decision sequence is stable independent of which fault types are
// actually configured.
func (f *FaultInjector) ShouldFail(t FaultType) bool {
	f.mu.Lock()
	p, ok := f.schedule[t]
	f.mu.Unlock()
	// Draw before consulting the schedule so the RNG stream position is
	// the same regardless of which fault types happen to be configured.
	draw := f.rng.NextFloat64()
	if !ok || p <= 0 {
		return false
	}
	return draw < p
}
