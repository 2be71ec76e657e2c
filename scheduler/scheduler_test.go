package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/idpcell/controlplane/catalog"
	"github.com/idpcell/controlplane/claim"
	"github.com/idpcell/controlplane/experiment"
	"github.com/idpcell/controlplane/featureflag"
	"github.com/idpcell/controlplane/health"
	"github.com/idpcell/controlplane/model"
	"github.com/idpcell/controlplane/policy"
)

// env bundles a scheduler with its mutable stores for tests.
type env struct {
	sched       *Scheduler
	experiments *experiment.Store
	flags       *featureflag.Store
	health      *health.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cat, err := catalog.New(catalog.DefaultCells(), []string{"payments"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	tiers, err := policy.NewTable(policy.DefaultTiers())
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}
	e := &env{
		experiments: experiment.NewStore(),
		flags:       featureflag.NewStore(),
		health:      health.NewRegistry(0, 0),
	}
	e.sched = New(cat, tiers, e.experiments, e.flags, e.health)
	return e
}

func request(tier string, ha bool) model.Request {
	return model.Request{
		Product: "mysql", Namespace: "shop", Name: "orders-db",
		Cell: "payments", Tier: tier, Environment: "production", HA: ha,
	}
}

func TestMediumTierWithHA(t *testing.T) {
	e := newEnv(t)

	dec, err := e.sched.Decide(request("medium", true), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	r := dec.Reason
	if r.CandidatesEvaluated != 7 || r.CandidatesHealthy != 7 {
		t.Errorf("counts = %d evaluated / %d healthy, want 7/7", r.CandidatesEvaluated, r.CandidatesHealthy)
	}
	if r.CandidatesPassedGates != 5 {
		t.Errorf("passed gates = %d, want 5 (OCI lacks multi_az)", r.CandidatesPassedGates)
	}
	for _, ex := range r.Excluded {
		if ex.Provider != "oci" {
			t.Errorf("excluded %s/%s, only OCI should fail gates", ex.Provider, ex.Region)
		}
		found := false
		for _, g := range ex.GateFailures {
			if g == model.CapabilityMultiAZ {
				found = true
			}
		}
		if !found {
			t.Errorf("%s/%s gateFailures = %v, want multi_az", ex.Provider, ex.Region, ex.GateFailures)
		}
	}

	// Equal weights 0.25: AWS us-east-1 has the best baseline sum (3.30).
	if dec.Placement.Provider != "aws" || dec.Placement.Region != "us-east-1" {
		t.Errorf("winner = %s/%s, want aws/us-east-1", dec.Placement.Provider, dec.Placement.Region)
	}
	if r.Selected.TotalScore != 0.825 {
		t.Errorf("winner score = %v, want 0.825", r.Selected.TotalScore)
	}
	if !r.HAEnforced {
		t.Error("haEnforced should be true")
	}
	if r.Failover != nil {
		t.Errorf("medium tier has no failover, got %+v", r.Failover)
	}
	if r.FailoverUnavailable {
		t.Error("failoverUnavailable should not be set for medium")
	}
}

func TestBusinessCriticalFailoverUnavailable(t *testing.T) {
	e := newEnv(t)

	dec, err := e.sched.Decide(request("business_critical", true), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	r := dec.Reason
	// Only the two cross-region AWS candidates carry all four gates.
	if r.CandidatesPassedGates != 2 {
		t.Errorf("passed gates = %d, want 2", r.CandidatesPassedGates)
	}
	if dec.Placement.Provider != "aws" || dec.Placement.Region != "us-east-1" {
		t.Errorf("winner = %s/%s, want aws/us-east-1", dec.Placement.Provider, dec.Placement.Region)
	}
	if r.Failover != nil {
		t.Errorf("failover = %+v, want nil (both survivors are AWS)", r.Failover)
	}
	if !r.FailoverUnavailable {
		t.Error("failoverUnavailable should be true")
	}
}

func TestCriticalTierWithCostFlag(t *testing.T) {
	e := newEnv(t)
	e.flags.Set(featureflag.PreferCostOptimization, true)

	dec, err := e.sched.Decide(request("critical", false), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	w := dec.Reason.Weights
	if math.Abs(w.Cost-0.70) > 1e-9 {
		t.Errorf("cost weight = %v, want 0.70", w.Cost)
	}
	if math.Abs(w.Latency-(0.15-0.20/3)) > 1e-9 {
		t.Errorf("latency weight = %v, want %.4f", w.Latency, 0.15-0.20/3)
	}
	if math.Abs(w.Sum()-1.0) > policy.WeightEpsilon {
		t.Errorf("weights sum to %v", w.Sum())
	}

	// With cost dominating, the cheap OCI Frankfurt candidate wins.
	if dec.Placement.Provider != "oci" || dec.Placement.Region != "eu-frankfurt-1" {
		t.Errorf("winner = %s/%s, want oci/eu-frankfurt-1", dec.Placement.Provider, dec.Placement.Region)
	}
}

func TestSubScoresRecordRawBaselines(t *testing.T) {
	e := newEnv(t)

	dec, err := e.sched.Decide(request("medium", true), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	// The winner's sub-scores carry its baselines untouched by the weights;
	// only the total is weighted.
	want := model.Scores{Latency: 0.90, DR: 0.95, Maturity: 0.95, Cost: 0.50}
	if dec.Reason.Selected.SubScores != want {
		t.Errorf("winner subScores = %+v, want raw baselines %+v", dec.Reason.Selected.SubScores, want)
	}
	if dec.Reason.Selected.TotalScore != 0.825 {
		t.Errorf("winner total = %v, want 0.825", dec.Reason.Selected.TotalScore)
	}
}

func TestZeroDRWeightTieBreaksOnRawDR(t *testing.T) {
	all := []model.Capability{
		model.CapabilityPITR, model.CapabilityMultiAZ,
		model.CapabilityPrivateNetworking, model.CapabilityCrossRegionReplication,
	}
	cells := map[string][]model.Candidate{"edge": {
		{
			Provider: "aws", Region: "us-east-1", RuntimeCluster: "aws-edge-01",
			Capabilities:   all,
			BaselineScores: model.Scores{Latency: 0.8, DR: 0.2, Maturity: 0.5, Cost: 0.8},
			Healthy:        true,
		},
		{
			Provider: "gcp", Region: "us-central1", RuntimeCluster: "gcp-edge-01",
			Capabilities:   all,
			BaselineScores: model.Scores{Latency: 0.8, DR: 0.9, Maturity: 0.5, Cost: 0.8},
			Healthy:        true,
		},
	}}
	cat, err := catalog.New(cells, []string{"edge"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	tiers, err := policy.NewTable(policy.DefaultTiers())
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}
	exps := experiment.NewStore()
	if _, err := exps.Create(experiment.Spec{
		ID:                "zero-dr",
		VariantWeights:    model.Weights{Latency: 0.5, DR: 0, Maturity: 0, Cost: 0.5},
		TrafficPercentage: 1.0,
	}); err != nil {
		t.Fatalf("experiment: %v", err)
	}
	sched := New(cat, tiers, exps, featureflag.NewStore(), health.NewRegistry(0, 0))

	req := request("medium", false)
	req.Cell = "edge"
	dec, err := sched.Decide(req, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	// Both candidates total 0.8 under the zero-DR weights; the higher raw DR
	// baseline must win over the lexicographic provider order.
	if dec.Placement.Provider != "gcp" || dec.Placement.Region != "us-central1" {
		t.Errorf("winner = %s/%s, want gcp/us-central1", dec.Placement.Provider, dec.Placement.Region)
	}
}

func TestLowTierFailoverCrossProvider(t *testing.T) {
	e := newEnv(t)

	dec, err := e.sched.Decide(request("low", false), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Reason.Failover == nil {
		t.Fatal("low tier requires a failover placement")
	}
	if dec.Reason.Failover.Provider == dec.Placement.Provider {
		t.Errorf("failover provider %s equals winner provider", dec.Reason.Failover.Provider)
	}
}

func TestExcludeProviders(t *testing.T) {
	e := newEnv(t)

	dec, err := e.sched.Decide(request("medium", false), []string{"aws"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Placement.Provider == "aws" {
		t.Errorf("winner = aws despite exclusion")
	}
	if dec.Reason.CandidatesHealthy != 4 {
		t.Errorf("healthy = %d after excluding aws, want 4", dec.Reason.CandidatesHealthy)
	}
}

func TestUnhealthyProviderFiltered(t *testing.T) {
	e := newEnv(t)
	e.health.SetHealthy("aws", false)

	dec, err := e.sched.Decide(request("medium", false), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Placement.Provider == "aws" {
		t.Error("unhealthy provider won")
	}
	if dec.Reason.CandidatesHealthy != 4 {
		t.Errorf("healthy = %d, want 4", dec.Reason.CandidatesHealthy)
	}
}

func TestAllProvidersUnhealthy(t *testing.T) {
	e := newEnv(t)
	for _, p := range []string{"aws", "gcp", "oci"} {
		e.health.SetHealthy(p, false)
	}

	_, err := e.sched.Decide(request("medium", false), nil)
	var noViable *NoViableCandidateError
	if !errors.As(err, &noViable) {
		t.Fatalf("error = %T, want *NoViableCandidateError", err)
	}
	if noViable.Stage != "health" {
		t.Errorf("stage = %q, want health", noViable.Stage)
	}
}

func TestNoCandidatePassesGates(t *testing.T) {
	e := newEnv(t)
	// business_critical gates are only satisfiable on AWS; excluding it
	// leaves healthy candidates that all fail gates.
	_, err := e.sched.Decide(request("business_critical", false), []string{"aws"})
	var noViable *NoViableCandidateError
	if !errors.As(err, &noViable) {
		t.Fatalf("error = %T, want *NoViableCandidateError", err)
	}
	if noViable.Stage != "gates" {
		t.Errorf("stage = %q, want gates", noViable.Stage)
	}
	if len(noViable.Excluded) != 4 {
		t.Errorf("excluded = %d candidates, want 4", len(noViable.Excluded))
	}
	for _, ex := range noViable.Excluded {
		if len(ex.GateFailures) == 0 {
			t.Errorf("%s/%s excluded without gate failures", ex.Provider, ex.Region)
		}
	}
}

func TestSelectedIsTopRanked(t *testing.T) {
	e := newEnv(t)
	for _, tier := range []string{"low", "medium", "critical", "business_critical"} {
		dec, err := e.sched.Decide(request(tier, false), nil)
		if err != nil {
			t.Fatalf("Decide(%s): %v", tier, err)
		}
		r := dec.Reason
		if len(r.Top3) == 0 || r.Top3[0] != r.Selected {
			t.Errorf("tier %s: selected is not top3[0]", tier)
		}
		for _, sc := range r.Top3 {
			if sc.TotalScore > r.Selected.TotalScore {
				t.Errorf("tier %s: %s/%s outscores the winner", tier, sc.Provider, sc.Region)
			}
		}
	}
}

func TestDecisionDeterminism(t *testing.T) {
	e := newEnv(t)
	if _, err := e.experiments.Create(experiment.Spec{
		ID:                "canary",
		VariantWeights:    model.Weights{Latency: 0.1, DR: 0.1, Maturity: 0.2, Cost: 0.6},
		TrafficPercentage: 0.5,
	}); err != nil {
		t.Fatalf("experiment: %v", err)
	}

	first, err := e.sched.Decide(request("medium", true), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := e.sched.Decide(request("medium", true), nil)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		a, err := claim.CanonicalJSON(first.Reason)
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		b, err := claim.CanonicalJSON(again.Reason)
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		if a != b {
			t.Fatalf("decision changed between identical runs:\n%s\n%s", a, b)
		}
	}
}

func TestExperimentArmRecordedInReason(t *testing.T) {
	e := newEnv(t)
	if _, err := e.experiments.Create(experiment.Spec{
		ID:                "canary",
		VariantWeights:    model.Weights{Latency: 0.1, DR: 0.1, Maturity: 0.2, Cost: 0.6},
		TrafficPercentage: 1.0,
		Tier:              "critical",
	}); err != nil {
		t.Fatalf("experiment: %v", err)
	}

	dec, err := e.sched.Decide(request("critical", false), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Reason.ExperimentArm == nil {
		t.Fatal("experimentArm missing from reason")
	}
	if dec.Reason.ExperimentArm.ExperimentID != "canary" || dec.Reason.ExperimentArm.Arm != model.ArmVariant {
		t.Errorf("experimentArm = %+v", dec.Reason.ExperimentArm)
	}
	if dec.Reason.Weights.Cost != 0.6 {
		t.Errorf("variant weights not applied: %+v", dec.Reason.Weights)
	}

	// A tier outside the experiment scope uses baseline weights and
	// records no arm.
	dec, err = e.sched.Decide(request("medium", false), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Reason.ExperimentArm != nil {
		t.Errorf("experimentArm = %+v for out-of-scope tier", dec.Reason.ExperimentArm)
	}
}

func TestVariantSkewsTowardCheapProviders(t *testing.T) {
	e := newEnv(t)
	if _, err := e.experiments.Create(experiment.Spec{
		ID:                "canary",
		VariantWeights:    model.Weights{Latency: 0.1, DR: 0.1, Maturity: 0.2, Cost: 0.6},
		TrafficPercentage: 0.5,
		Tier:              "critical",
	}); err != nil {
		t.Fatalf("experiment: %v", err)
	}

	variantOCI, controlOCI := 0, 0
	variants, controls := 0, 0
	for i := 0; i < 2000; i++ {
		req := request("critical", false)
		req.Name = fmt.Sprintf("svc-%d", i)
		dec, err := e.sched.Decide(req, nil)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if dec.Reason.ExperimentArm.Arm == model.ArmVariant {
			variants++
			if dec.Placement.Provider == "oci" {
				variantOCI++
			}
		} else {
			controls++
			if dec.Placement.Provider == "oci" {
				controlOCI++
			}
		}
	}
	if variants == 0 || controls == 0 {
		t.Fatalf("arm split %d/%d, expected both arms populated", variants, controls)
	}
	// Cost-heavy variant weights favor OCI at least as much as control.
	if float64(variantOCI)/float64(variants) < float64(controlOCI)/float64(controls) {
		t.Errorf("variant OCI share %.3f below control %.3f",
			float64(variantOCI)/float64(variants), float64(controlOCI)/float64(controls))
	}
}

func TestReasonSerializesWithSortedKeys(t *testing.T) {
	e := newEnv(t)
	dec, err := e.sched.Decide(request("low", true), nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	raw, err := claim.CanonicalJSON(dec.Reason)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		t.Fatalf("annotation is not valid JSON: %v", err)
	}
	for _, key := range []string{"tier", "gates", "weights", "selected", "top3", "candidatesEvaluated"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("reason JSON missing %q", key)
		}
	}
}
