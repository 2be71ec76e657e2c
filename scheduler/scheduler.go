// Package scheduler implements the placement decision pipeline: provider
// health filtering, experiment arm assignment, capability gate filtering,
// weighted scoring, deterministic ranking, and cross-cloud failover
// selection. The pipeline is a pure function of its inputs so identical
// requests against identical state produce identical decisions.
package scheduler

import (
	"fmt"
	"math"
	"sort"

	"github.com/idpcell/controlplane/catalog"
	"github.com/idpcell/controlplane/experiment"
	"github.com/idpcell/controlplane/featureflag"
	"github.com/idpcell/controlplane/health"
	"github.com/idpcell/controlplane/model"
	"github.com/idpcell/controlplane/policy"
)

// NoViableCandidateError is returned when the pipeline eliminates every
// candidate before one can be selected. Stage tells the caller where the
// pool ran dry; the counts and exclusion list feed the error response.
type NoViableCandidateError struct {
	// Cell is the cell the request targeted.
	Cell string

	// Stage is "health" when no candidate survived the health filter, or
	// "gates" when candidates were healthy but all failed capability gates.
	Stage string

	// Gates are the effective required capabilities.
	Gates []model.Capability

	// Excluded lists the gate-filter rejections with their missing gates.
	Excluded []model.ExcludedCandidate

	// CandidatesEvaluated and CandidatesHealthy are pipeline counts.
	CandidatesEvaluated int
	CandidatesHealthy   int
}

// Error implements the error interface.
func (e *NoViableCandidateError) Error() string {
	if e.Stage == "health" {
		return fmt.Sprintf("no healthy candidates in cell %q (%d evaluated)", e.Cell, e.CandidatesEvaluated)
	}
	return fmt.Sprintf("no candidates in cell %q satisfy gates %v (%d healthy of %d evaluated)",
		e.Cell, e.Gates, e.CandidatesHealthy, e.CandidatesEvaluated)
}

// Scheduler wires the decision pipeline to the catalog, tier table,
// experiment engine, feature flags, and provider health.
type Scheduler struct {
	catalog     *catalog.Catalog
	tiers       *policy.Table
	experiments *experiment.Store
	flags       *featureflag.Store
	health      *health.Registry
}

// New creates a scheduler over the given stores.
func New(cat *catalog.Catalog, tiers *policy.Table, exps *experiment.Store, flags *featureflag.Store, reg *health.Registry) *Scheduler {
	return &Scheduler{catalog: cat, tiers: tiers, experiments: exps, flags: flags, health: reg}
}

// ranked pairs a scored candidate with the catalog entry it came from, so
// the winner and failover placements can carry runtime cluster and network.
type ranked struct {
	scored    model.ScoredCandidate
	candidate model.Candidate
}

// Decide runs the full pipeline for a request. excludeProviders removes
// providers from consideration before health filtering; the failover
// endpoint uses it to force a move off the current provider.
func (s *Scheduler) Decide(req model.Request, excludeProviders []string) (model.Decision, error) {
	tier, err := s.tiers.Spec(req.Tier)
	if err != nil {
		return model.Decision{}, err
	}
	pool, err := s.catalog.Candidates(req.Cell)
	if err != nil {
		return model.Decision{}, err
	}

	excluded := make(map[string]bool, len(excludeProviders))
	for _, p := range excludeProviders {
		excluded[p] = true
	}

	// Stage 1: health filter. A candidate survives when it is individually
	// healthy, its provider is eligible (health bit set and breaker
	// admitting traffic), and the provider is not explicitly excluded.
	var healthy []model.Candidate
	for _, cand := range pool {
		if excluded[cand.Provider] || !cand.Healthy || !s.health.Eligible(cand.Provider) {
			continue
		}
		healthy = append(healthy, cand)
	}
	if len(healthy) == 0 {
		return model.Decision{}, &NoViableCandidateError{
			Cell:                req.Cell,
			Stage:               "health",
			CandidatesEvaluated: len(pool),
		}
	}

	// Stage 2: experiment arm assignment. The arm is fixed before gating
	// so it is stable regardless of pool composition.
	var assignment *experiment.Assignment
	if s.experiments != nil {
		assignment = s.experiments.Assign(req)
	}

	// Stage 3: capability gates.
	gates := policy.EffectiveGates(tier, req.HA)
	var survivors []model.Candidate
	var rejections []model.ExcludedCandidate
	for _, cand := range healthy {
		var missing []model.Capability
		for _, gate := range gates {
			if !cand.HasCapability(gate) {
				missing = append(missing, gate)
			}
		}
		if len(missing) > 0 {
			rejections = append(rejections, model.ExcludedCandidate{
				Provider: cand.Provider, Region: cand.Region, GateFailures: missing,
			})
			continue
		}
		survivors = append(survivors, cand)
	}
	if len(survivors) == 0 {
		return model.Decision{}, &NoViableCandidateError{
			Cell:                req.Cell,
			Stage:               "gates",
			Gates:               gates,
			Excluded:            rejections,
			CandidatesEvaluated: len(pool),
			CandidatesHealthy:   len(healthy),
		}
	}

	// Stage 4: weighted scoring.
	var variant *model.Weights
	if assignment != nil {
		variant = assignment.VariantWeights
	}
	weights := policy.EffectiveWeights(tier, variant, s.flags)

	// Sub-scores record the raw baselines for audit; weighting shows up only
	// in the total. Raw DR also keeps the tie-break meaningful when the DR
	// weight is zero.
	rankedPool := make([]ranked, 0, len(survivors))
	for _, cand := range survivors {
		sub := model.Scores{
			Latency:  round4(cand.BaselineScores.Latency),
			DR:       round4(cand.BaselineScores.DR),
			Maturity: round4(cand.BaselineScores.Maturity),
			Cost:     round4(cand.BaselineScores.Cost),
		}
		total := round4(cand.BaselineScores.Latency*weights.Latency +
			cand.BaselineScores.DR*weights.DR +
			cand.BaselineScores.Maturity*weights.Maturity +
			cand.BaselineScores.Cost*weights.Cost)
		rankedPool = append(rankedPool, ranked{
			scored: model.ScoredCandidate{
				Provider: cand.Provider, Region: cand.Region,
				SubScores: sub, TotalScore: total,
			},
			candidate: cand,
		})
	}

	// Stage 5: deterministic ranking. Total score descending, then raw DR
	// sub-score descending, then (provider, region) ascending.
	sort.SliceStable(rankedPool, func(i, j int) bool {
		a, b := rankedPool[i].scored, rankedPool[j].scored
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.SubScores.DR != b.SubScores.DR {
			return a.SubScores.DR > b.SubScores.DR
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Region < b.Region
	})

	winner := rankedPool[0]
	reason := model.PlacementReason{
		Tier:                  tier.ID,
		RTOMinutes:            tier.RTOMinutes,
		RPOMinutes:            tier.RPOMinutes,
		Gates:                 gates,
		HAEnforced:            req.HA,
		Weights:               weights,
		Selected:              winner.scored,
		Excluded:              rejections,
		CandidatesEvaluated:   len(pool),
		CandidatesHealthy:     len(healthy),
		CandidatesPassedGates: len(survivors),
	}
	if assignment != nil {
		arm := assignment.Arm
		reason.ExperimentArm = &arm
	}
	for i := 0; i < len(rankedPool) && i < 3; i++ {
		reason.Top3 = append(reason.Top3, rankedPool[i].scored)
	}

	// Stage 6: failover selection. The standby is the highest-ranked
	// survivor on a different provider. Its absence does not fail the
	// placement; it is flagged so callers can alert.
	if tier.FailoverRequired {
		found := false
		for _, r := range rankedPool[1:] {
			if r.candidate.Provider != winner.candidate.Provider {
				fo := placementFor(r.candidate)
				reason.Failover = &fo
				found = true
				break
			}
		}
		if !found {
			reason.FailoverUnavailable = true
		}
	}

	return model.Decision{Placement: placementFor(winner.candidate), Reason: reason}, nil
}

// placementFor projects a candidate into a Placement, copying the network
// map so callers cannot mutate catalog state.
func placementFor(c model.Candidate) model.Placement {
	network := make(map[string]string, len(c.Network))
	for k, v := range c.Network {
		network[k] = v
	}
	return model.Placement{
		Provider:       c.Provider,
		Region:         c.Region,
		RuntimeCluster: c.RuntimeCluster,
		Network:        network,
	}
}

// round4 rounds to four decimal places, the precision scores are reported at.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
