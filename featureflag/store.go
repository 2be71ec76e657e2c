// Package featureflag provides the process-wide boolean switches consulted
// by the scheduler. Flags are mutable through the admin API and read on
// every scheduling call, so the store is a small RWMutex-guarded map.
package featureflag

import "sync"

// PreferCostOptimization shifts scoring weight toward the cost dimension
// when enabled.
const PreferCostOptimization = "prefer_cost_optimization"

// Flag is a named boolean switch.
type Flag struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Store holds feature flags. The zero value is not usable; call NewStore.
type Store struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewStore creates an empty flag store.
func NewStore() *Store {
	return &Store{flags: make(map[string]bool)}
}

// Set sets a flag.
func (s *Store) Set(name string, enabled bool) {
	s.mu.Lock()
	s.flags[name] = enabled
	s.mu.Unlock()
}

// Enabled returns the flag value, defaulting to false for unset flags.
func (s *Store) Enabled(name string) bool {
	s.mu.RLock()
	v := s.flags[name]
	s.mu.RUnlock()
	return v
}

// Delete removes a flag. Returns false if the flag was not set.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[name]; !ok {
		return false
	}
	delete(s.flags, name)
	return true
}

// All returns a copy of every flag.
func (s *Store) All() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}
