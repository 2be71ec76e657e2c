// Package model defines the core types of the placement control plane:
// developer requests, placement candidates, the placement decision, and the
// auditable placement reason that is attached to every emitted Claim.
package model

import "gopkg.in/yaml.v3"

// Capability is a hard-gate vocabulary entry. Candidates advertise
// capabilities; criticality tiers require them. All gate checks draw from
// this closed set.
type Capability string

const (
	// CapabilityPITR is point-in-time recovery support.
	CapabilityPITR Capability = "pitr"

	// CapabilityMultiAZ is multi-availability-zone deployment support.
	CapabilityMultiAZ Capability = "multi_az"

	// CapabilityPrivateNetworking is private (non-internet-routable) networking.
	CapabilityPrivateNetworking Capability = "private_networking"

	// CapabilityCrossRegionReplication is asynchronous replication to a
	// second region.
	CapabilityCrossRegionReplication Capability = "cross_region_replication"
)

// Valid returns true if the capability is a recognized value.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityPITR, CapabilityMultiAZ, CapabilityPrivateNetworking, CapabilityCrossRegionReplication:
		return true
	}
	return false
}

// Weights holds the scoring weights for the four placement dimensions.
// A valid weight set sums to 1.0.
type Weights struct {
	Latency  float64 `yaml:"latency" json:"latency"`
	DR       float64 `yaml:"dr" json:"dr"`
	Maturity float64 `yaml:"maturity" json:"maturity"`
	Cost     float64 `yaml:"cost" json:"cost"`
}

// Sum returns the total of all four weights.
func (w Weights) Sum() float64 {
	return w.Latency + w.DR + w.Maturity + w.Cost
}

// Scores holds per-dimension baseline scores for a candidate, each in [0,1].
type Scores struct {
	Latency  float64 `yaml:"latency" json:"latency"`
	DR       float64 `yaml:"dr" json:"dr"`
	Maturity float64 `yaml:"maturity" json:"maturity"`
	Cost     float64 `yaml:"cost" json:"cost"`
}

// Request is the cloud-agnostic developer contract. Developers specify the
// cell, criticality tier, environment, and HA flag plus product-specific
// parameters; the control plane decides provider, region, runtime cluster,
// and network.
type Request struct {
	// Product is the registered product name (e.g., "mysql", "webapp").
	Product string `json:"product"`

	// Namespace is the target namespace for the emitted Claim.
	Namespace string `json:"namespace"`

	// Name is the logical resource name within the namespace.
	Name string `json:"name"`

	// Cell is the logical placement grouping, the developer's only spatial knob.
	Cell string `json:"cell"`

	// Tier is the criticality tier id (low, medium, critical, business_critical).
	Tier string `json:"tier"`

	// Environment is the deployment environment (dev, staging, production).
	Environment string `json:"environment"`

	// HA requests high availability; it forces the multi_az gate.
	HA bool `json:"ha"`

	// Params are the validated product-specific parameters.
	Params map[string]Value `json:"-"`
}

// Candidate is a provider/region tuple eligible for selection. Candidates
// are loaded from configuration and immutable afterwards; only the Healthy
// bit may be flipped by operators.
type Candidate struct {
	// Provider is the cloud provider id (e.g., "aws", "gcp", "oci").
	Provider string `yaml:"provider" json:"provider"`

	// Region is the provider region (e.g., "us-east-1").
	Region string `yaml:"region" json:"region"`

	// RuntimeCluster is the runtime cluster workloads land on.
	RuntimeCluster string `yaml:"runtimeCluster" json:"runtimeCluster"`

	// Network holds the provider-specific network configuration that the
	// orchestrator needs (VPC/VCN ids, subnets, security groups).
	Network map[string]string `yaml:"network" json:"network"`

	// Capabilities lists the gate capabilities this candidate satisfies.
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`

	// BaselineScores are the per-dimension scores in [0,1].
	BaselineScores Scores `yaml:"baselineScores" json:"baselineScores"`

	// Healthy marks the candidate as individually eligible. Defaults to true.
	Healthy bool `yaml:"healthy" json:"healthy"`
}

// UnmarshalYAML decodes a candidate with Healthy defaulting to true, so
// catalog entries only set the flag to take a candidate out of rotation.
func (c *Candidate) UnmarshalYAML(value *yaml.Node) error {
	type plain Candidate
	p := plain{Healthy: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Candidate(p)
	return nil
}

// HasCapability returns true if the candidate advertises the capability.
func (c Candidate) HasCapability(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// Placement is the decided target for a request.
type Placement struct {
	Provider       string            `json:"provider"`
	Region         string            `json:"region"`
	RuntimeCluster string            `json:"runtimeCluster"`
	Network        map[string]string `json:"network"`
}

// ScoredCandidate is one ranked survivor of the scheduling pipeline.
type ScoredCandidate struct {
	Provider   string  `json:"provider"`
	Region     string  `json:"region"`
	SubScores  Scores  `json:"subScores"`
	TotalScore float64 `json:"totalScore"`
}

// ExcludedCandidate records a candidate rejected by the gate filter together
// with the capabilities it was missing.
type ExcludedCandidate struct {
	Provider     string       `json:"provider"`
	Region       string       `json:"region"`
	GateFailures []Capability `json:"gateFailures"`
}

// ExperimentArm identifies the experiment and arm a request was bucketed into.
type ExperimentArm struct {
	ExperimentID string `json:"experimentId"`
	Arm          string `json:"arm"` // "control" or "variant"
}

// Experiment arm names.
const (
	ArmControl = "control"
	ArmVariant = "variant"
)

// PlacementReason is the audit record of how a placement was chosen. It is
// serialized with sorted keys into the placement-reason annotation on the
// emitted Claim.
type PlacementReason struct {
	// Tier is the criticality tier the decision was made under.
	Tier string `json:"tier"`

	// RTOMinutes and RPOMinutes restate the tier's recovery targets.
	RTOMinutes int `json:"rtoMinutes"`
	RPOMinutes int `json:"rpoMinutes"`

	// Gates are the effective required capabilities (tier gates plus
	// multi_az when HA was requested).
	Gates []Capability `json:"gates"`

	// HAEnforced is true when the request carried ha=true.
	HAEnforced bool `json:"haEnforced"`

	// Weights are the effective scoring weights after experiment and flag
	// adjustments.
	Weights Weights `json:"weights"`

	// ExperimentArm is set when an experiment matched the request.
	ExperimentArm *ExperimentArm `json:"experimentArm,omitempty"`

	// Selected is the winning candidate's score breakdown.
	Selected ScoredCandidate `json:"selected"`

	// Top3 are the highest-ranked survivors, winner first.
	Top3 []ScoredCandidate `json:"top3"`

	// Excluded lists candidates rejected by the gate filter.
	Excluded []ExcludedCandidate `json:"excluded"`

	// Pipeline counts for auditing.
	CandidatesEvaluated   int `json:"candidatesEvaluated"`
	CandidatesHealthy     int `json:"candidatesHealthy"`
	CandidatesPassedGates int `json:"candidatesPassedGates"`

	// Failover is the cross-cloud standby placement, present when the tier
	// requires failover and a candidate on another provider survived.
	Failover *Placement `json:"failover,omitempty"`

	// FailoverUnavailable is true when the tier requires failover but no
	// surviving candidate is on a different provider than the winner.
	FailoverUnavailable bool `json:"failoverUnavailable,omitempty"`
}

// Decision bundles the placement with its audit reason.
type Decision struct {
	Placement Placement
	Reason    PlacementReason
}

// Valid environments for requests.
var ValidEnvironments = []string{"dev", "staging", "production"}

// ValidEnvironment returns true if env is a recognized environment name.
func ValidEnvironment(env string) bool {
	for _, e := range ValidEnvironments {
		if e == env {
			return true
		}
	}
	return false
}
