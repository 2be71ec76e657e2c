package claimstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/idpcell/controlplane/claim"
	"github.com/idpcell/controlplane/product"
)

// fieldManager is the server-side apply manager name for every Claim the
// control plane owns.
const fieldManager = "idp-controlplane"

// Every outbound cluster call runs under the same deadline contract: a 10 s
// overall budget, 3 s per attempt, and one retry on transient errors.
const (
	attemptTimeout   = 3 * time.Second
	callBudget       = 10 * time.Second
	transientRetries = 1
)

// call runs one cluster operation under the deadline contract. NotFound is
// terminal and returned as-is for the caller to map; any other failure is
// retried once within the budget and the last error is returned.
func call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, callBudget)
	defer cancel()

	var lastErr error
	for i := 0; i <= transientRetries; i++ {
		attempt, cancelAttempt := context.WithTimeout(ctx, attemptTimeout)
		err := fn(attempt)
		cancelAttempt()
		if err == nil {
			return nil
		}
		if apierrors.IsNotFound(err) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

// Kube applies Claims to the orchestrator cluster with server-side apply.
// CRD presence is checked through discovery and cached per group/version so
// a missing product CRD surfaces as DependencyMissingError instead of an
// opaque apply failure.
type Kube struct {
	dynamic dynamic.Interface
	clients kubernetes.Interface

	mu         sync.Mutex
	discovered map[string]map[string]bool // groupVersion -> resource plural -> present
}

// NewKube creates a store over the given clients.
func NewKube(dyn dynamic.Interface, clients kubernetes.Interface) *Kube {
	return &Kube{
		dynamic:    dyn,
		clients:    clients,
		discovered: make(map[string]map[string]bool),
	}
}

// Mode identifies the backing system.
func (k *Kube) Mode() string { return "kubernetes" }

// gvr derives the GroupVersionResource for a product's Claim kind.
func gvr(def *product.Definition) (schema.GroupVersionResource, error) {
	parts := strings.SplitN(def.APIVersion, "/", 2)
	if len(parts) != 2 {
		return schema.GroupVersionResource{}, fmt.Errorf("product %q has malformed apiVersion %q", def.Name, def.APIVersion)
	}
	return schema.GroupVersionResource{Group: parts[0], Version: parts[1], Resource: def.Plural()}, nil
}

// resourceInstalled checks through discovery that the Claim CRD exists.
// Present group/versions are cached; absence is re-queried so a CRD
// installed after startup is picked up.
func (k *Kube) resourceInstalled(res schema.GroupVersionResource) (bool, error) {
	gv := res.GroupVersion().String()

	k.mu.Lock()
	if resources, ok := k.discovered[gv]; ok && resources[res.Resource] {
		k.mu.Unlock()
		return true, nil
	}
	k.mu.Unlock()

	list, err := k.clients.Discovery().ServerResourcesForGroupVersion(gv)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, &UnavailableError{Op: "discovery", Err: err}
	}

	resources := make(map[string]bool, len(list.APIResources))
	for _, r := range list.APIResources {
		resources[r.Name] = true
	}
	k.mu.Lock()
	k.discovered[gv] = resources
	k.mu.Unlock()
	return resources[res.Resource], nil
}

// GetClaim fetches the Claim from the cluster.
func (k *Kube) GetClaim(ctx context.Context, def *product.Definition, namespace, name string) (map[string]any, error) {
	res, err := gvr(def)
	if err != nil {
		return nil, err
	}
	var obj *unstructured.Unstructured
	err = call(ctx, func(ctx context.Context) error {
		got, err := k.dynamic.Resource(res).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			obj = got
		}
		return err
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, &UnavailableError{Op: "get", Err: err}
	}
	return obj.Object, nil
}

// ApplyClaim server-side applies the Claim. The CRD must be installed.
func (k *Kube) ApplyClaim(ctx context.Context, def *product.Definition, c *claim.Claim) (Outcome, error) {
	res, err := gvr(def)
	if err != nil {
		return "", err
	}
	installed, err := k.resourceInstalled(res)
	if err != nil {
		return "", err
	}
	if !installed {
		return "", &DependencyMissingError{Resource: res.Group + "/" + res.Resource}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding claim: %w", err)
	}

	force := true
	opts := metav1.PatchOptions{FieldManager: fieldManager, Force: &force}
	err = call(ctx, func(ctx context.Context) error {
		_, err := k.dynamic.Resource(res).Namespace(c.Metadata.Namespace).
			Patch(ctx, c.Metadata.Name, types.ApplyPatchType, data, opts)
		return err
	})
	if err != nil {
		return "", &UnavailableError{Op: "apply", Err: err}
	}
	return OutcomeApplied, nil
}

// DeleteClaim removes the Claim from the cluster.
func (k *Kube) DeleteClaim(ctx context.Context, def *product.Definition, namespace, name string) error {
	res, err := gvr(def)
	if err != nil {
		return err
	}
	err = call(ctx, func(ctx context.Context) error {
		return k.dynamic.Resource(res).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ErrNotFound
		}
		return &UnavailableError{Op: "delete", Err: err}
	}
	return nil
}

// ConnectionSecretExists checks secret presence only. Contents are never
// read into the control plane.
func (k *Kube) ConnectionSecretExists(ctx context.Context, namespace, secretName string) (bool, error) {
	err := call(ctx, func(ctx context.Context) error {
		_, err := k.clients.CoreV1().Secrets(namespace).Get(ctx, secretName, metav1.GetOptions{})
		return err
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, &UnavailableError{Op: "secret lookup", Err: err}
	}
	return true, nil
}
