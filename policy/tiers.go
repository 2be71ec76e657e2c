// Package policy holds the criticality tier framework: the canonical tier
// table mapping each tier to recovery targets, hard gates, scoring weights,
// and failover policy, plus the weight-resolution rules that experiments and
// feature flags hook into.
package policy

import (
	"fmt"
	"math"
	"sort"

	"github.com/idpcell/controlplane/featureflag"
	"github.com/idpcell/controlplane/model"
)

// WeightEpsilon is the tolerance for the "weights sum to 1.0" invariant.
const WeightEpsilon = 1e-9

// costBoost is how much weight the prefer_cost_optimization flag moves to
// the cost dimension, taken in equal parts from the other three.
const costBoost = 0.20

// TierSpec is an immutable criticality tier specification.
type TierSpec struct {
	// ID is the tier identifier (low, medium, critical, business_critical).
	ID string `yaml:"id" json:"id"`

	// RTOMinutes and RPOMinutes are the tier's recovery targets. They are
	// informational (auditing) and do not affect scheduling.
	RTOMinutes int `yaml:"rtoMinutes" json:"rtoMinutes"`
	RPOMinutes int `yaml:"rpoMinutes" json:"rpoMinutes"`

	// RequiredCapabilities are the hard gates: candidates missing any of
	// these are excluded before scoring.
	RequiredCapabilities []model.Capability `yaml:"requiredCapabilities" json:"requiredCapabilities"`

	// Weights are the baseline scoring weights; they sum to 1.0.
	Weights model.Weights `yaml:"weights" json:"weights"`

	// FailoverRequired marks tiers that must carry a cross-cloud standby
	// placement when one is available.
	FailoverRequired bool `yaml:"failoverRequired" json:"failoverRequired"`

	// Description is a human-readable summary for the products API.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnknownTierError is returned when a tier id is not in the table.
type UnknownTierError struct {
	// Tier is the unrecognized tier id.
	Tier string
}

// Error implements the error interface.
func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier %q", e.Tier)
}

// Table is the read-only tier registry, built once at startup.
type Table struct {
	tiers map[string]TierSpec
	order []string
}

// NewTable builds a tier table from specs. Weight sums are validated here so
// a bad configuration fails at startup rather than at request time.
func NewTable(specs []TierSpec) (*Table, error) {
	t := &Table{tiers: make(map[string]TierSpec, len(specs))}
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("policy: tier id is required")
		}
		if _, ok := t.tiers[spec.ID]; ok {
			return nil, fmt.Errorf("policy: duplicate tier %q", spec.ID)
		}
		if math.Abs(spec.Weights.Sum()-1.0) > 0.01 {
			return nil, fmt.Errorf("policy: tier %q weights sum to %.4f, want 1.0", spec.ID, spec.Weights.Sum())
		}
		for _, cap := range spec.RequiredCapabilities {
			if !cap.Valid() {
				return nil, fmt.Errorf("policy: tier %q requires unknown capability %q", spec.ID, cap)
			}
		}
		t.tiers[spec.ID] = spec
		t.order = append(t.order, spec.ID)
	}
	return t, nil
}

// Spec returns the TierSpec for the given id.
func (t *Table) Spec(id string) (TierSpec, error) {
	spec, ok := t.tiers[id]
	if !ok {
		return TierSpec{}, &UnknownTierError{Tier: id}
	}
	return spec, nil
}

// Has returns true if the tier id is known.
func (t *Table) Has(id string) bool {
	_, ok := t.tiers[id]
	return ok
}

// List returns all tier specs in registration order.
func (t *Table) List() []TierSpec {
	out := make([]TierSpec, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.tiers[id])
	}
	return out
}

// EffectiveGates returns the required capabilities for a tier, adding
// multi_az when the request asked for high availability. The result is
// sorted so gate lists in audit records are deterministic.
func EffectiveGates(tier TierSpec, ha bool) []model.Capability {
	gates := make([]model.Capability, 0, len(tier.RequiredCapabilities)+1)
	seen := make(map[model.Capability]bool, len(tier.RequiredCapabilities)+1)
	for _, cap := range tier.RequiredCapabilities {
		if !seen[cap] {
			seen[cap] = true
			gates = append(gates, cap)
		}
	}
	if ha && !seen[model.CapabilityMultiAZ] {
		gates = append(gates, model.CapabilityMultiAZ)
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i] < gates[j] })
	return gates
}

// EffectiveWeights resolves the scoring weights for a request. The tier's
// baseline weights are replaced by the experiment's variant weights when the
// request landed in a variant arm, then the prefer_cost_optimization flag
// shifts weight toward cost. The result always sums to 1.0 within
// WeightEpsilon.
func EffectiveWeights(tier TierSpec, variant *model.Weights, flags *featureflag.Store) model.Weights {
	w := tier.Weights
	if variant != nil {
		w = *variant
	}
	if flags != nil && flags.Enabled(featureflag.PreferCostOptimization) {
		w = boostCost(w)
	}
	return w
}

// boostCost moves costBoost onto the cost dimension, taking an equal share
// from each of the other three. Any dimension that would go negative is
// clamped to zero and the remainder renormalized so the sum stays 1.0.
func boostCost(w model.Weights) model.Weights {
	share := costBoost / 3
	out := model.Weights{
		Latency:  w.Latency - share,
		DR:       w.DR - share,
		Maturity: w.Maturity - share,
		Cost:     w.Cost + costBoost,
	}
	if out.Latency >= 0 && out.DR >= 0 && out.Maturity >= 0 {
		return out
	}

	// Guard case: an extreme tier profile pushed a dimension negative.
	// Clamp and renormalize the whole vector back to sum 1.0.
	out.Latency = math.Max(out.Latency, 0)
	out.DR = math.Max(out.DR, 0)
	out.Maturity = math.Max(out.Maturity, 0)
	out.Cost = math.Min(out.Cost, 1)
	sum := out.Sum()
	if sum <= 0 {
		return model.Weights{Cost: 1}
	}
	out.Latency /= sum
	out.DR /= sum
	out.Maturity /= sum
	out.Cost /= sum
	return out
}

// DefaultTiers returns the canonical tier table.
func DefaultTiers() []TierSpec {
	return []TierSpec{
		{
			ID:         "low",
			RTOMinutes: 30,
			RPOMinutes: 5,
			RequiredCapabilities: []model.Capability{
				model.CapabilityPITR, model.CapabilityMultiAZ, model.CapabilityPrivateNetworking,
			},
			Weights:          model.Weights{Latency: 0.30, DR: 0.30, Maturity: 0.25, Cost: 0.15},
			FailoverRequired: true,
			Description:      "Low tolerance for failure. Strictest SLA with full DR capabilities.",
		},
		{
			ID:         "medium",
			RTOMinutes: 120,
			RPOMinutes: 15,
			RequiredCapabilities: []model.Capability{
				model.CapabilityPITR, model.CapabilityPrivateNetworking,
			},
			Weights:     model.Weights{Latency: 0.25, DR: 0.25, Maturity: 0.25, Cost: 0.25},
			Description: "Balanced tier with equal weighting across all scoring dimensions.",
		},
		{
			ID:         "critical",
			RTOMinutes: 480,
			RPOMinutes: 60,
			RequiredCapabilities: []model.Capability{
				model.CapabilityPrivateNetworking,
			},
			Weights:     model.Weights{Latency: 0.15, DR: 0.15, Maturity: 0.20, Cost: 0.50},
			Description: "Cost-sensitive tier. Cost carries the highest weight.",
		},
		{
			ID:         "business_critical",
			RTOMinutes: 15,
			RPOMinutes: 1,
			RequiredCapabilities: []model.Capability{
				model.CapabilityPITR, model.CapabilityMultiAZ,
				model.CapabilityPrivateNetworking, model.CapabilityCrossRegionReplication,
			},
			Weights:          model.Weights{Latency: 0.25, DR: 0.40, Maturity: 0.25, Cost: 0.10},
			FailoverRequired: true,
			Description:      "Highest criticality. Near-zero RPO with cross-region replication.",
		},
	}
}
