// Package catalog holds the static cell catalog: for each cell, the pool of
// provider/region candidates the scheduler selects from. The catalog is
// loaded from configuration at process start and read-only afterwards.
package catalog

import (
	"fmt"

	"github.com/idpcell/controlplane/model"
)

// UnknownCellError is returned when a request names a cell the catalog does
// not know.
type UnknownCellError struct {
	// Cell is the unrecognized cell name.
	Cell string
}

// Error implements the error interface.
func (e *UnknownCellError) Error() string {
	return fmt.Sprintf("unknown cell %q", e.Cell)
}

// Catalog maps cells to their candidate pools.
type Catalog struct {
	cells map[string][]model.Candidate
	order []string
}

// New builds a catalog. Candidate capability sets are validated against the
// closed gate vocabulary so typos fail at startup.
func New(cells map[string][]model.Candidate, order []string) (*Catalog, error) {
	c := &Catalog{cells: make(map[string][]model.Candidate, len(cells))}
	if order == nil {
		for name := range cells {
			order = append(order, name)
		}
	}
	for _, name := range order {
		pool, ok := cells[name]
		if !ok {
			return nil, fmt.Errorf("catalog: cell %q listed in order but not defined", name)
		}
		for i, cand := range pool {
			if cand.Provider == "" || cand.Region == "" {
				return nil, fmt.Errorf("catalog: cell %q candidate %d is missing provider or region", name, i)
			}
			for _, cap := range cand.Capabilities {
				if !cap.Valid() {
					return nil, fmt.Errorf("catalog: cell %q candidate %s/%s has unknown capability %q",
						name, cand.Provider, cand.Region, cap)
				}
			}
		}
		c.cells[name] = pool
		c.order = append(c.order, name)
	}
	return c, nil
}

// Candidates returns a copy of the candidate pool for a cell.
func (c *Catalog) Candidates(cell string) ([]model.Candidate, error) {
	pool, ok := c.cells[cell]
	if !ok {
		return nil, &UnknownCellError{Cell: cell}
	}
	out := make([]model.Candidate, len(pool))
	copy(out, pool)
	return out, nil
}

// Has returns true if the cell is known.
func (c *Catalog) Has(cell string) bool {
	_, ok := c.cells[cell]
	return ok
}

// Cells returns the cell names in configuration order.
func (c *Catalog) Cells() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Providers returns the distinct provider names across every cell, in first
// encounter order. Used to seed the health registry.
func (c *Catalog) Providers() []string {
	var out []string
	seen := make(map[string]bool)
	for _, cell := range c.order {
		for _, cand := range c.cells[cell] {
			if !seen[cand.Provider] {
				seen[cand.Provider] = true
				out = append(out, cand.Provider)
			}
		}
	}
	return out
}

// DefaultCells returns the built-in cell catalog: a single "payments" cell
// with seven candidates across AWS, GCP, and OCI.
func DefaultCells() map[string][]model.Candidate {
	all := []model.Capability{
		model.CapabilityPITR, model.CapabilityMultiAZ,
		model.CapabilityPrivateNetworking, model.CapabilityCrossRegionReplication,
	}
	noCRR := all[:3]
	noMultiAZ := []model.Capability{model.CapabilityPITR, model.CapabilityPrivateNetworking}

	return map[string][]model.Candidate{
		"payments": {
			{
				Provider: "aws", Region: "us-east-1", RuntimeCluster: "aws-use1-prod-01",
				Network:      map[string]string{"vpcId": "vpc-aws-use1", "subnetGroup": "db-private-use1"},
				Capabilities: all,
				BaselineScores: model.Scores{Latency: 0.90, DR: 0.95, Maturity: 0.95, Cost: 0.50},
				Healthy:      true,
			},
			{
				Provider: "aws", Region: "eu-west-1", RuntimeCluster: "aws-euw1-prod-01",
				Network:      map[string]string{"vpcId": "vpc-aws-euw1", "subnetGroup": "db-private-euw1"},
				Capabilities: all,
				BaselineScores: model.Scores{Latency: 0.70, DR: 0.90, Maturity: 0.90, Cost: 0.45},
				Healthy:      true,
			},
			{
				Provider: "aws", Region: "us-west-2", RuntimeCluster: "aws-usw2-prod-01",
				Network:      map[string]string{"vpcId": "vpc-aws-usw2", "subnetGroup": "db-private-usw2"},
				Capabilities: noCRR,
				BaselineScores: model.Scores{Latency: 0.85, DR: 0.90, Maturity: 0.90, Cost: 0.55},
				Healthy:      true,
			},
			{
				Provider: "gcp", Region: "us-central1", RuntimeCluster: "gcp-usc1-prod-01",
				Network:      map[string]string{"vpcName": "vpc-gcp-usc1", "subnet": "db-private-usc1"},
				Capabilities: noCRR,
				BaselineScores: model.Scores{Latency: 0.88, DR: 0.85, Maturity: 0.88, Cost: 0.65},
				Healthy:      true,
			},
			{
				Provider: "gcp", Region: "europe-west1", RuntimeCluster: "gcp-euw1-prod-01",
				Network:      map[string]string{"vpcName": "vpc-gcp-euw1", "subnet": "db-private-euw1"},
				Capabilities: noCRR,
				BaselineScores: model.Scores{Latency: 0.72, DR: 0.82, Maturity: 0.85, Cost: 0.60},
				Healthy:      true,
			},
			{
				Provider: "oci", Region: "us-ashburn-1", RuntimeCluster: "oci-iad-prod-01",
				Network:      map[string]string{"vcnId": "vcn-oci-iad", "subnetId": "db-private-iad"},
				Capabilities: noMultiAZ,
				BaselineScores: model.Scores{Latency: 0.80, DR: 0.70, Maturity: 0.65, Cost: 0.85},
				Healthy:      true,
			},
			{
				Provider: "oci", Region: "eu-frankfurt-1", RuntimeCluster: "oci-fra-prod-01",
				Network:      map[string]string{"vcnId": "vcn-oci-fra", "subnetId": "db-private-fra"},
				Capabilities: noMultiAZ,
				BaselineScores: model.Scores{Latency: 0.68, DR: 0.65, Maturity: 0.60, Cost: 0.90},
				Healthy:      true,
			},
		},
	}
}
