package catalog

import (
	"errors"
	"testing"

	"github.com/idpcell/controlplane/model"
)

func defaultCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(DefaultCells(), []string{"payments"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestDefaultPool(t *testing.T) {
	c := defaultCatalog(t)

	pool, err := c.Candidates("payments")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(pool) != 7 {
		t.Fatalf("pool size = %d, want 7", len(pool))
	}

	byProvider := map[string]int{}
	for _, cand := range pool {
		byProvider[cand.Provider]++
		if !cand.Healthy {
			t.Errorf("%s/%s should default to healthy", cand.Provider, cand.Region)
		}
		if cand.RuntimeCluster == "" || len(cand.Network) == 0 {
			t.Errorf("%s/%s missing runtime cluster or network", cand.Provider, cand.Region)
		}
	}
	if byProvider["aws"] != 3 || byProvider["gcp"] != 2 || byProvider["oci"] != 2 {
		t.Errorf("provider counts = %v, want aws:3 gcp:2 oci:2", byProvider)
	}
}

func TestDefaultPoolCapabilities(t *testing.T) {
	c := defaultCatalog(t)
	pool, _ := c.Candidates("payments")

	for _, cand := range pool {
		switch cand.Provider {
		case "oci":
			if cand.HasCapability(model.CapabilityMultiAZ) {
				t.Errorf("oci %s should lack multi_az", cand.Region)
			}
		case "aws":
			if cand.Region != "us-west-2" && !cand.HasCapability(model.CapabilityCrossRegionReplication) {
				t.Errorf("aws %s should have cross_region_replication", cand.Region)
			}
		case "gcp":
			if cand.HasCapability(model.CapabilityCrossRegionReplication) {
				t.Errorf("gcp %s should lack cross_region_replication", cand.Region)
			}
		}
	}
}

func TestUnknownCell(t *testing.T) {
	c := defaultCatalog(t)
	_, err := c.Candidates("checkout")
	var unknown *UnknownCellError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %T, want *UnknownCellError", err)
	}
	if unknown.Cell != "checkout" {
		t.Errorf("cell = %q", unknown.Cell)
	}
	if c.Has("checkout") {
		t.Error("Has(checkout) should be false")
	}
}

func TestProviders(t *testing.T) {
	c := defaultCatalog(t)
	got := c.Providers()
	want := []string{"aws", "gcp", "oci"}
	if len(got) != len(want) {
		t.Fatalf("Providers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Providers = %v, want %v", got, want)
		}
	}
}

func TestNewRejectsBadCapability(t *testing.T) {
	_, err := New(map[string][]model.Candidate{
		"cell": {{Provider: "aws", Region: "us-east-1", Capabilities: []model.Capability{"quantum"}}},
	}, nil)
	if err == nil {
		t.Fatal("New should reject unknown capabilities")
	}
}

func TestCandidatesReturnsCopy(t *testing.T) {
	c := defaultCatalog(t)
	pool, _ := c.Candidates("payments")
	pool[0].Healthy = false
	again, _ := c.Candidates("payments")
	if !again[0].Healthy {
		t.Error("mutating a returned pool should not affect the catalog")
	}
}
