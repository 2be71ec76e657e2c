package claimstore

import (
	"context"
	"sync"

	"github.com/idpcell/controlplane/claim"
	"github.com/idpcell/controlplane/product"
)

// Memory is the standalone-mode store. Claims live in process memory so
// stickiness and status still work without a cluster; connection secrets
// never exist because nothing provisions them.
type Memory struct {
	mu     sync.RWMutex
	claims map[string]map[string]any
}

// NewMemory creates an empty in-memory claim store.
func NewMemory() *Memory {
	return &Memory{claims: make(map[string]map[string]any)}
}

// Mode identifies the backing system.
func (m *Memory) Mode() string { return "standalone" }

// key namespaces entries by kind so different products can share a name.
func key(def *product.Definition, namespace, name string) string {
	return def.Kind + "/" + namespace + "/" + name
}

// GetClaim returns the stored Claim document, or ErrNotFound.
func (m *Memory) GetClaim(_ context.Context, def *product.Definition, namespace, name string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.claims[key(def, namespace, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// ApplyClaim records the Claim in memory.
func (m *Memory) ApplyClaim(_ context.Context, def *product.Definition, c *claim.Claim) (Outcome, error) {
	doc, err := c.ToMap()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.claims[key(def, c.Metadata.Namespace, c.Metadata.Name)] = doc
	m.mu.Unlock()
	return OutcomeStandalone, nil
}

// DeleteClaim removes the Claim, returning ErrNotFound if absent.
func (m *Memory) DeleteClaim(_ context.Context, def *product.Definition, namespace, name string) error {
	k := key(def, namespace, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[k]; !ok {
		return ErrNotFound
	}
	delete(m.claims, k)
	return nil
}

// ConnectionSecretExists always reports false in standalone mode.
func (m *Memory) ConnectionSecretExists(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}
