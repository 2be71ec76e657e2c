package health

import (
	"sync"
	"time"
)

// Registry combines the operator-set provider health bits with the
// per-provider circuit breakers. It is safe for concurrent use; the
// scheduler reads eligibility, operators flip health, and the request
// handlers feed apply outcomes into the breakers.
type Registry struct {
	mu       sync.RWMutex
	healthy  map[string]bool
	breakers map[string]*CircuitBreaker

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewRegistry creates a registry where every provider defaults to healthy
// with a closed breaker. Zero threshold/cooldown select the defaults.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		healthy:   make(map[string]bool),
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// SetClock overrides the time source for every breaker, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	for _, b := range r.breakers {
		b.setClock(now)
	}
}

// breakerLocked returns the breaker for a provider, creating it on first use.
func (r *Registry) breakerLocked(provider string) *CircuitBreaker {
	b, ok := r.breakers[provider]
	if !ok {
		b = NewCircuitBreaker(r.threshold, r.cooldown)
		b.setClock(r.now)
		r.breakers[provider] = b
	}
	return b
}

// SetHealthy sets the operator health bit for a provider.
func (r *Registry) SetHealthy(provider string, healthy bool) {
	r.mu.Lock()
	r.healthy[provider] = healthy
	r.mu.Unlock()
}

// Healthy returns the operator health bit; unset providers default to true.
func (r *Registry) Healthy(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.healthy[provider]
	return !ok || h
}

// Eligible returns true when the provider is healthy and its breaker admits
// traffic. This is the only signal the scheduler consumes.
func (r *Registry) Eligible(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.healthy[provider]; ok && !h {
		return false
	}
	return r.breakerLocked(provider).Allows()
}

// State returns the provider's breaker state after read-side transitions.
func (r *Registry) State(provider string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerLocked(provider).State()
}

// RecordSuccess feeds a successful apply outcome into the provider's breaker.
func (r *Registry) RecordSuccess(provider string) {
	r.mu.Lock()
	r.breakerLocked(provider).RecordSuccess()
	r.mu.Unlock()
}

// RecordFailure feeds a failed apply outcome into the provider's breaker.
func (r *Registry) RecordFailure(provider string) {
	r.mu.Lock()
	r.breakerLocked(provider).RecordFailure()
	r.mu.Unlock()
}

// ProviderView is the admin API view of one provider.
type ProviderView struct {
	Healthy bool     `json:"healthy"`
	Breaker Snapshot `json:"circuitBreaker"`
}

// View returns the health bit and breaker snapshot for every provider that
// has been touched, keyed by provider name.
func (r *Registry) View() map[string]ProviderView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ProviderView, len(r.breakers))
	for provider, b := range r.breakers {
		h, ok := r.healthy[provider]
		out[provider] = ProviderView{Healthy: !ok || h, Breaker: b.snapshot()}
	}
	for provider, h := range r.healthy {
		if _, ok := out[provider]; !ok {
			out[provider] = ProviderView{Healthy: h, Breaker: r.breakerLocked(provider).snapshot()}
		}
	}
	return out
}

// Seed marks a provider as known so it appears in View before any traffic.
func (r *Registry) Seed(providers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range providers {
		r.breakerLocked(p)
		if _, ok := r.healthy[p]; !ok {
			r.healthy[p] = true
		}
	}
}

// HealthBits returns a copy of the operator health map, for persistence.
func (r *Registry) HealthBits() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.healthy))
	for k, v := range r.healthy {
		out[k] = v
	}
	return out
}
