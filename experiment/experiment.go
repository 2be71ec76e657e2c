// Package experiment implements deterministic A/B bucketing of placement
// requests into control and variant arms. Arm assignment is part of the
// externally observable contract (it is recorded in the placement-reason
// annotation), so the bucketing hash is pinned: 64-bit FNV-1a over the
// UTF-8 bytes of "experimentID:requestName", reduced to a bucket in
// [0, 1) as (hash mod 10000) / 10000.
package experiment

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/idpcell/controlplane/model"
)

// bucketGranularity is the modulus of the bucketing hash. Traffic
// percentages finer than 1/10000 are not distinguishable.
const bucketGranularity = 10000

// Spec describes one A/B experiment on placement scoring weights.
type Spec struct {
	// ID uniquely identifies the experiment.
	ID string `json:"id"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// VariantWeights replace the tier weights for requests in the variant
	// arm. They must sum to 1.0.
	VariantWeights model.Weights `json:"variantWeights"`

	// TrafficPercentage is the fraction of traffic assigned to the variant
	// arm, in [0, 1].
	TrafficPercentage float64 `json:"trafficPercentage"`

	// Tier optionally scopes the experiment to a single tier. Empty means
	// all tiers.
	Tier string `json:"tier,omitempty"`

	// CreatedAt orders experiments; the first matching experiment wins.
	CreatedAt time.Time `json:"createdAt"`
}

// Matches returns true if the experiment applies to the given tier.
func (s Spec) Matches(tier string) bool {
	return s.Tier == "" || s.Tier == tier
}

// Bucket computes the deterministic bucket for a request name, in [0, 1).
func (s Spec) Bucket(requestName string) float64 {
	h := fnv.New64a()
	h.Write([]byte(s.ID))
	h.Write([]byte{':'})
	h.Write([]byte(requestName))
	return float64(h.Sum64()%bucketGranularity) / bucketGranularity
}

// AssignArm returns "variant" or "control" for a request name.
func (s Spec) AssignArm(requestName string) string {
	if s.Bucket(requestName) < s.TrafficPercentage {
		return model.ArmVariant
	}
	return model.ArmControl
}

// DuplicateError is returned when creating an experiment whose id already
// exists.
type DuplicateError struct {
	// ID is the conflicting experiment id.
	ID string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("experiment %q already exists", e.ID)
}

// Store holds the active experiments in creation order. It is safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	specs []Spec
	now   func() time.Time
}

// NewStore creates an empty experiment store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Create validates and registers an experiment. The legacy "*" tier
// wildcard is normalized to the empty scope.
func (s *Store) Create(spec Spec) (Spec, error) {
	if spec.ID == "" {
		return Spec{}, fmt.Errorf("experiment id is required")
	}
	if spec.TrafficPercentage < 0 || spec.TrafficPercentage > 1 {
		return Spec{}, fmt.Errorf("trafficPercentage must be between 0.0 and 1.0")
	}
	if sum := spec.VariantWeights.Sum(); math.Abs(sum-1.0) > 0.01 {
		return Spec{}, fmt.Errorf("variant weights must sum to 1.0 (got %.4f)", sum)
	}
	if spec.Tier == "*" {
		spec.Tier = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.specs {
		if existing.ID == spec.ID {
			return Spec{}, &DuplicateError{ID: spec.ID}
		}
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = s.now()
	}
	s.specs = append(s.specs, spec)
	sort.SliceStable(s.specs, func(i, j int) bool {
		return s.specs[i].CreatedAt.Before(s.specs[j].CreatedAt)
	})
	return spec, nil
}

// Get returns an experiment by id.
func (s *Store) Get(id string) (Spec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, spec := range s.specs {
		if spec.ID == id {
			return spec, true
		}
	}
	return Spec{}, false
}

// Delete removes an experiment. Returns false if the id was unknown.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, spec := range s.specs {
		if spec.ID == id {
			s.specs = append(s.specs[:i], s.specs[i+1:]...)
			return true
		}
	}
	return false
}

// List returns all experiments in creation order.
func (s *Store) List() []Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Assignment is the outcome of arm assignment for one request: the arm
// record plus the variant weights to apply (nil for the control arm).
type Assignment struct {
	Arm            model.ExperimentArm
	VariantWeights *model.Weights
}

// Assign walks the experiments in creation order and returns the assignment
// from the first experiment whose tier scope matches the request. Returns
// nil when no experiment matched; the caller uses the tier baseline weights.
func (s *Store) Assign(req model.Request) *Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, spec := range s.specs {
		if !spec.Matches(req.Tier) {
			continue
		}
		arm := spec.AssignArm(req.Name)
		a := &Assignment{Arm: model.ExperimentArm{ExperimentID: spec.ID, Arm: arm}}
		if arm == model.ArmVariant {
			w := spec.VariantWeights
			a.VariantWeights = &w
		}
		return a
	}
	return nil
}
