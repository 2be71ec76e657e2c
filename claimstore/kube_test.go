package claimstore

import (
	"context"
	"errors"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

var mysqlClaimGVR = schema.GroupVersionResource{
	Group:    "db.platform.example.org",
	Version:  "v1alpha1",
	Resource: "mysqlinstanceclaims",
}

// newFakeKube builds a Kube store over fake clients with the mysql Claim CRD
// discoverable.
func newFakeKube(objects ...runtime.Object) (*Kube, *dynamicfake.FakeDynamicClient, *k8sfake.Clientset) {
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{mysqlClaimGVR: "MySQLInstanceClaimList"},
		objects...)
	clients := k8sfake.NewSimpleClientset()
	clients.Fake.Resources = []*metav1.APIResourceList{{
		GroupVersion: "db.platform.example.org/v1alpha1",
		APIResources: []metav1.APIResource{{
			Name: "mysqlinstanceclaims", Kind: "MySQLInstanceClaim", Namespaced: true,
		}},
	}}
	return NewKube(dyn, clients), dyn, clients
}

func storedClaimObject(namespace, name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "db.platform.example.org/v1alpha1",
		"kind":       "MySQLInstanceClaim",
		"metadata":   map[string]any{"namespace": namespace, "name": name},
		"spec":       map[string]any{"parameters": map[string]any{"provider": "aws"}},
	}}
}

// failOnce injects one transient server error for a verb, then lets the
// tracker handle subsequent calls. The returned counter records attempts.
func failOnce(fake *k8stesting.Fake, verb, resource string) *int {
	calls := 0
	fake.PrependReactor(verb, resource, func(k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		if calls == 1 {
			return true, nil, apierrors.NewInternalError(errors.New("etcd leader changed"))
		}
		return false, nil, nil
	})
	return &calls
}

func TestKubeGetRetriesTransientError(t *testing.T) {
	ctx := context.Background()
	def := mysqlDef(t)
	store, dyn, _ := newFakeKube(storedClaimObject("shop", "orders-db"))
	calls := failOnce(&dyn.Fake, "get", "mysqlinstanceclaims")

	doc, err := store.GetClaim(ctx, def, "shop", "orders-db")
	if err != nil {
		t.Fatalf("GetClaim after one transient failure: %v", err)
	}
	if *calls != 2 {
		t.Errorf("get attempts = %d, want 2", *calls)
	}
	meta, _ := doc["metadata"].(map[string]any)
	if meta["name"] != "orders-db" {
		t.Errorf("fetched claim metadata = %#v", doc["metadata"])
	}
}

func TestKubeGetNotFoundIsNotRetried(t *testing.T) {
	ctx := context.Background()
	def := mysqlDef(t)
	store, dyn, _ := newFakeKube()

	calls := 0
	dyn.Fake.PrependReactor("get", "mysqlinstanceclaims", func(k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		return false, nil, nil
	})

	_, err := store.GetClaim(ctx, def, "shop", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("get attempts = %d, NotFound must not be retried", calls)
	}
}

func TestKubeDeleteRetriesTransientError(t *testing.T) {
	ctx := context.Background()
	def := mysqlDef(t)
	store, dyn, _ := newFakeKube(storedClaimObject("shop", "orders-db"))
	calls := failOnce(&dyn.Fake, "delete", "mysqlinstanceclaims")

	if err := store.DeleteClaim(ctx, def, "shop", "orders-db"); err != nil {
		t.Fatalf("DeleteClaim after one transient failure: %v", err)
	}
	if *calls != 2 {
		t.Errorf("delete attempts = %d, want 2", *calls)
	}
	if _, err := store.GetClaim(ctx, def, "shop", "orders-db"); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim still present after delete: %v", err)
	}
}

func TestKubeApplyRetriesTransientError(t *testing.T) {
	ctx := context.Background()
	def := mysqlDef(t)
	store, dyn, _ := newFakeKube()

	// The fake tracker does not model server-side apply, so both attempts
	// are fully handled by the reactor.
	calls := 0
	dyn.Fake.PrependReactor("patch", "mysqlinstanceclaims", func(k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		if calls == 1 {
			return true, nil, apierrors.NewInternalError(errors.New("etcd leader changed"))
		}
		return true, storedClaimObject("shop", "orders-db"), nil
	})

	outcome, err := store.ApplyClaim(ctx, def, testClaim(def, "shop", "orders-db"))
	if err != nil {
		t.Fatalf("ApplyClaim after one transient failure: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %q, want applied", outcome)
	}
	if calls != 2 {
		t.Errorf("apply attempts = %d, want 2", calls)
	}
}

func TestKubeApplyExhaustedRetriesSurfacesUnavailable(t *testing.T) {
	ctx := context.Background()
	def := mysqlDef(t)
	store, dyn, _ := newFakeKube()

	calls := 0
	dyn.Fake.PrependReactor("patch", "mysqlinstanceclaims", func(k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		return true, nil, apierrors.NewInternalError(errors.New("connection refused"))
	})

	_, err := store.ApplyClaim(ctx, def, testClaim(def, "shop", "orders-db"))
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %T, want *UnavailableError", err)
	}
	if calls != 2 {
		t.Errorf("apply attempts = %d, want 2 (one retry)", calls)
	}
}

func TestKubeApplyMissingCRD(t *testing.T) {
	ctx := context.Background()
	def := mysqlDef(t)
	store, _, clients := newFakeKube()
	clients.Fake.Resources = nil

	_, err := store.ApplyClaim(ctx, def, testClaim(def, "shop", "orders-db"))
	var missing *DependencyMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %T (%v), want *DependencyMissingError", err, err)
	}
}

func TestKubeSecretLookupRetriesTransientError(t *testing.T) {
	ctx := context.Background()
	store, _, clients := newFakeKube()
	calls := failOnce(&clients.Fake, "get", "secrets")

	exists, err := store.ConnectionSecretExists(ctx, "shop", "orders-db-conn")
	if err != nil {
		t.Fatalf("ConnectionSecretExists after one transient failure: %v", err)
	}
	if exists {
		t.Error("secret should not exist")
	}
	if *calls != 2 {
		t.Errorf("secret get attempts = %d, want 2", *calls)
	}
}
