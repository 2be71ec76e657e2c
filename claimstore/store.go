// Package claimstore persists Claims to their backing system. The kube
// store applies them to the orchestrator cluster with server-side apply;
// the memory store backs standalone mode, where the control plane makes
// decisions without a cluster.
package claimstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/idpcell/controlplane/claim"
	"github.com/idpcell/controlplane/product"
)

// Outcome reports how an apply was persisted.
type Outcome string

const (
	// OutcomeApplied means the Claim was applied to the cluster.
	OutcomeApplied Outcome = "applied"

	// OutcomeStandalone means the Claim was recorded in memory only.
	OutcomeStandalone Outcome = "standalone"
)

// ErrNotFound is returned when a Claim does not exist.
var ErrNotFound = errors.New("claim not found")

// DependencyMissingError means the cluster cannot accept the Claim because
// the product's CRD is not installed. Maps to a failed-dependency response.
type DependencyMissingError struct {
	// Resource is the missing resource, as group/plural.
	Resource string
}

// Error implements the error interface.
func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("required resource %q is not installed in the cluster", e.Resource)
}

// UnavailableError wraps a transport or server failure talking to the
// cluster. These outcomes feed the provider circuit breakers.
type UnavailableError struct {
	// Op is the operation that failed ("apply", "get", "delete").
	Op string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("cluster %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *UnavailableError) Unwrap() error { return e.Err }

// Store persists and retrieves Claims. All methods honor context
// cancellation. ConnectionSecretExists only reports presence; secret
// contents never transit the control plane.
type Store interface {
	// Mode identifies the backing system ("kubernetes" or "standalone").
	Mode() string

	// GetClaim returns the stored Claim document, or ErrNotFound.
	GetClaim(ctx context.Context, def *product.Definition, namespace, name string) (map[string]any, error)

	// ApplyClaim creates or updates the Claim.
	ApplyClaim(ctx context.Context, def *product.Definition, c *claim.Claim) (Outcome, error)

	// DeleteClaim removes the Claim. Deleting an absent Claim returns
	// ErrNotFound.
	DeleteClaim(ctx context.Context, def *product.Definition, namespace, name string) error

	// ConnectionSecretExists reports whether the connection secret has been
	// written, without reading its contents.
	ConnectionSecretExists(ctx context.Context, namespace, secretName string) (bool, error)
}
