// Package claim builds the Kubernetes Claim documents the control plane
// emits. A Claim carries the placement decision in its composition selector
// and parameters, and the full audit reason in a canonical-JSON annotation.
package claim

import (
	"encoding/json"
	"fmt"

	"github.com/idpcell/controlplane/model"
	"github.com/idpcell/controlplane/product"
)

// Label and annotation keys stamped onto every emitted Claim.
const (
	LabelPrefix              = "platform.example.org/"
	LabelCell                = LabelPrefix + "cell"
	LabelEnvironment         = LabelPrefix + "environment"
	LabelTier                = LabelPrefix + "tier"
	LabelProduct             = LabelPrefix + "product"
	AnnotationPlacementReason = LabelPrefix + "placement-reason"
)

// Claim is the document applied to the orchestrator cluster. Its shape
// mirrors the CRD: metadata plus a spec with compositionSelector,
// parameters, and the connection secret reference.
type Claim struct {
	APIVersion string   `json:"apiVersion"`
	Kind       string   `json:"kind"`
	Metadata   Metadata `json:"metadata"`
	Spec       Spec     `json:"spec"`
}

// Metadata is the Claim's object metadata.
type Metadata struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// Spec is the Claim's spec block.
type Spec struct {
	CompositionSelector        Selector       `json:"compositionSelector"`
	Parameters                 map[string]any `json:"parameters"`
	WriteConnectionSecretToRef SecretRef      `json:"writeConnectionSecretToRef"`
}

// Selector routes the Claim to a composition via matchLabels.
type Selector struct {
	MatchLabels map[string]string `json:"matchLabels"`
}

// SecretRef names the secret the orchestrator writes connection details to.
type SecretRef struct {
	Name string `json:"name"`
}

// Build assembles the Claim for a validated request and its decision. The
// placement reason annotation is canonical JSON so repeated builds of the
// same decision are byte-identical.
func Build(def *product.Definition, req model.Request, dec model.Decision) (*Claim, error) {
	reason, err := CanonicalJSON(dec.Reason)
	if err != nil {
		return nil, fmt.Errorf("claim: encoding placement reason: %w", err)
	}

	// Common fields ride along in parameters so a later failover can
	// reconstruct the original request from the stored Claim.
	params := make(map[string]any, len(req.Params)+8)
	for name, v := range req.Params {
		params[name] = v.Any()
	}
	params["cell"] = req.Cell
	params["environment"] = req.Environment
	params["tier"] = req.Tier
	params["ha"] = req.HA
	params["provider"] = dec.Placement.Provider
	params["region"] = dec.Placement.Region
	params["runtimeCluster"] = dec.Placement.RuntimeCluster
	params["network"] = dec.Placement.Network

	return &Claim{
		APIVersion: def.APIVersion,
		Kind:       def.Kind,
		Metadata: Metadata{
			Name:      req.Name,
			Namespace: req.Namespace,
			Labels: map[string]string{
				LabelCell:        req.Cell,
				LabelEnvironment: req.Environment,
				LabelTier:        req.Tier,
				LabelProduct:     req.Product,
			},
			Annotations: map[string]string{
				AnnotationPlacementReason: reason,
			},
		},
		Spec: Spec{
			CompositionSelector: Selector{
				MatchLabels: map[string]string{
					def.CompositionGroup + "/provider": dec.Placement.Provider,
					def.CompositionGroup + "/class":    def.CompositionClass,
				},
			},
			Parameters:                 params,
			WriteConnectionSecretToRef: SecretRef{Name: def.ConnectionSecretName(req.Name)},
		},
	}, nil
}

// ToMap converts the Claim to the generic map form the dynamic client
// applies. The round trip through JSON keeps the wire shape authoritative.
func (c *Claim) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CanonicalJSON serializes a value with lexically sorted keys at every
// nesting level and no insignificant whitespace. Marshal into a generic
// map first; encoding/json emits map keys in sorted order.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
