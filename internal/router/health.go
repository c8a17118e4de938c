package router

import (
	"sort"
	"sync"
	"time"
)

// HealthTracker manages circuit breakers for all providers.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
}

// NewHealthTracker creates a health tracker with the given circuit breaker config.
func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
	}
}

// Breaker returns (or lazily creates) the circuit breaker for a provider.
// Breakers outlive registry reloads so a provider's health is kept when its
// configuration changes.
func (ht *HealthTracker) Breaker(provider string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[provider]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if cb, ok := ht.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	ht.breakers[provider] = cb
	return cb
}

// IsAvailable reports whether the provider's circuit is not open. Unlike
// Allow it does not consume a half-open probe.
func (ht *HealthTracker) IsAvailable(provider string) bool {
	return ht.Breaker(provider).State() != StateOpen
}

func (ht *HealthTracker) RecordSuccess(provider string) {
	ht.Breaker(provider).RecordSuccess()
}

func (ht *HealthTracker) RecordFailure(provider string) {
	ht.Breaker(provider).RecordFailure()
}

// ProviderState is a provider's circuit state for health reporting.
type ProviderState struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
}

// States lists every tracked provider, sorted by name.
func (ht *HealthTracker) States() []ProviderState {
	ht.mu.RLock()
	out := make([]ProviderState, 0, len(ht.breakers))
	for name, cb := range ht.breakers {
		out = append(out, ProviderState{Provider: name, State: cb.State().String()})
	}
	ht.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
