// Package analytics aggregates placement outcomes in memory for the admin
// API: request and rejection totals, provider/region/tier distributions,
// per-provider score means, and per-experiment arm statistics. Means use
// Welford's update so long-running processes do not accumulate summation
// error. The recorder is process-local and resets at restart.
package analytics

import (
	"math"
	"sync"
)

// welford is a running mean.
type welford struct {
	count int
	mean  float64
}

func (w *welford) add(x float64) {
	w.count++
	w.mean += (x - w.mean) / float64(w.count)
}

// armStats accumulates one experiment arm.
type armStats struct {
	score     welford
	providers map[string]int
}

// Recorder aggregates decisions. Safe for concurrent use.
type Recorder struct {
	mu sync.RWMutex

	totalPlacements int
	totalRequests   int
	gateRejections  int

	providers map[string]int
	regions   map[string]int
	tiers     map[string]int

	scoreByProvider map[string]*welford
	experiments     map[string]map[string]*armStats
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		providers:       make(map[string]int),
		regions:         make(map[string]int),
		tiers:           make(map[string]int),
		scoreByProvider: make(map[string]*welford),
		experiments:     make(map[string]map[string]*armStats),
	}
}

// RecordPlacement adds one successful placement. experimentID and arm are
// empty when no experiment matched the request.
func (r *Recorder) RecordPlacement(tier, provider, region string, totalScore float64, experimentID, arm string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests++
	r.totalPlacements++
	r.providers[provider]++
	r.regions[region]++
	r.tiers[tier]++

	w, ok := r.scoreByProvider[provider]
	if !ok {
		w = &welford{}
		r.scoreByProvider[provider] = w
	}
	w.add(totalScore)

	if experimentID == "" {
		return
	}
	arms, ok := r.experiments[experimentID]
	if !ok {
		arms = make(map[string]*armStats)
		r.experiments[experimentID] = arms
	}
	stats, ok := arms[arm]
	if !ok {
		stats = &armStats{providers: make(map[string]int)}
		arms[arm] = stats
	}
	stats.score.add(totalScore)
	stats.providers[provider]++
}

// RecordRejection adds one request that the scheduler rejected with no
// viable candidate. Rejections count toward totalRequests and the gate
// rejection rate.
func (r *Recorder) RecordRejection() {
	r.mu.Lock()
	r.totalRequests++
	r.gateRejections++
	r.mu.Unlock()
}

// DistributionEntry is a count with its share of total placements.
type DistributionEntry struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ArmSnapshot is the immutable view of one experiment arm.
type ArmSnapshot struct {
	Count     int            `json:"count"`
	MeanScore float64        `json:"meanScore"`
	Providers map[string]int `json:"providers"`
}

// Snapshot is the immutable view of the recorder.
type Snapshot struct {
	TotalPlacements   int     `json:"totalPlacements"`
	TotalRequests     int     `json:"totalRequests"`
	GateRejectionRate float64 `json:"gateRejectionRate"`

	ProviderDistribution map[string]DistributionEntry `json:"providerDistribution"`
	RegionDistribution   map[string]DistributionEntry `json:"regionDistribution"`
	TierDistribution     map[string]DistributionEntry `json:"tierDistribution"`

	AvgScoreByProvider map[string]float64                `json:"avgScoreByProvider"`
	Experiments        map[string]map[string]ArmSnapshot `json:"experiments"`
}

// Snapshot returns a deep copy of the current aggregates. Rates and means
// are rounded to four decimals, matching score precision elsewhere.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		TotalPlacements:      r.totalPlacements,
		TotalRequests:        r.totalRequests,
		ProviderDistribution: distribution(r.providers, r.totalPlacements),
		RegionDistribution:   distribution(r.regions, r.totalPlacements),
		TierDistribution:     distribution(r.tiers, r.totalPlacements),
		AvgScoreByProvider:   make(map[string]float64, len(r.scoreByProvider)),
		Experiments:          make(map[string]map[string]ArmSnapshot, len(r.experiments)),
	}
	if r.totalRequests > 0 {
		snap.GateRejectionRate = round4(float64(r.gateRejections) / float64(r.totalRequests))
	}
	for p, w := range r.scoreByProvider {
		snap.AvgScoreByProvider[p] = round4(w.mean)
	}
	for id, arms := range r.experiments {
		out := make(map[string]ArmSnapshot, len(arms))
		for arm, stats := range arms {
			providers := make(map[string]int, len(stats.providers))
			for p, n := range stats.providers {
				providers[p] = n
			}
			out[arm] = ArmSnapshot{
				Count:     stats.score.count,
				MeanScore: round4(stats.score.mean),
				Providers: providers,
			}
		}
		snap.Experiments[id] = out
	}
	return snap
}

func distribution(counts map[string]int, total int) map[string]DistributionEntry {
	out := make(map[string]DistributionEntry, len(counts))
	for k, n := range counts {
		entry := DistributionEntry{Count: n}
		if total > 0 {
			entry.Percentage = round4(float64(n) / float64(total))
		}
		out[k] = entry
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
