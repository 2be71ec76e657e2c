// Package handlers is the HTTP surface of the control plane: the developer
// provisioning API, the operator/admin API, and their error taxonomy.
// Handlers validate, call the scheduler and the claim store, and feed the
// breaker, analytics, and metrics from the outcomes.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/idpcell/controlplane/analytics"
	"github.com/idpcell/controlplane/catalog"
	"github.com/idpcell/controlplane/claim"
	"github.com/idpcell/controlplane/claimstore"
	"github.com/idpcell/controlplane/health"
	"github.com/idpcell/controlplane/metrics"
	"github.com/idpcell/controlplane/model"
	"github.com/idpcell/controlplane/policy"
	"github.com/idpcell/controlplane/product"
	"github.com/idpcell/controlplane/scheduler"
	"github.com/idpcell/controlplane/store"
)

// forbiddenFields are decided by the control plane; a request supplying any
// of them violates the developer contract.
var forbiddenFields = []string{"provider", "region", "runtimeCluster", "runtime_cluster", "network"}

// ServiceHandler serves the developer provisioning endpoints: create,
// status, and failover, for every registered product.
type ServiceHandler struct {
	logger    *slog.Logger
	products  *product.Registry
	tiers     *policy.Table
	catalog   *catalog.Catalog
	scheduler *scheduler.Scheduler
	health    *health.Registry
	analytics *analytics.Recorder
	claims    claimstore.Store
	metrics   *metrics.Collector
	history   *store.SQLite
}

// NewServiceHandler creates a ServiceHandler. history may be nil when
// persistence is disabled.
func NewServiceHandler(logger *slog.Logger, products *product.Registry, tiers *policy.Table,
	cat *catalog.Catalog, sched *scheduler.Scheduler, reg *health.Registry,
	rec *analytics.Recorder, claims claimstore.Store, collector *metrics.Collector,
	history *store.SQLite) *ServiceHandler {
	return &ServiceHandler{
		logger:    logger,
		products:  products,
		tiers:     tiers,
		catalog:   cat,
		scheduler: sched,
		health:    reg,
		analytics: rec,
		claims:    claims,
		metrics:   collector,
		history:   history,
	}
}

// serviceResponse is the body for create and failover responses.
type serviceResponse struct {
	Status           string          `json:"status"`
	Sticky           bool            `json:"sticky"`
	Product          string          `json:"product"`
	Namespace        string          `json:"namespace"`
	Name             string          `json:"name"`
	Message          string          `json:"message,omitempty"`
	PreviousProvider string          `json:"previousProvider,omitempty"`
	Placement        model.Placement `json:"placement"`
	Reason           any             `json:"reason"`
	Claim            *claim.Claim    `json:"claim,omitempty"`
	Applied          bool            `json:"applied"`
	Mode             string          `json:"mode"`
}

// Create handles POST /api/services/{product}.
func (h *ServiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, r.PathValue("product"))
}

// CreateMySQL handles the legacy POST /api/mysql alias.
func (h *ServiceHandler) CreateMySQL(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, "mysql")
}

func (h *ServiceHandler) create(w http.ResponseWriter, r *http.Request, productName string) {
	def, err := h.products.Get(productName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindValidation, "request body must be valid JSON", nil)
		return
	}

	if present := forbiddenPresent(body); len(present) > 0 {
		writeErrorKind(w, http.StatusBadRequest, KindValidation,
			fmt.Sprintf("fields %v are decided by the control plane and must not be provided", present), nil)
		return
	}

	req, verrs := h.buildRequest(def, body)
	if len(verrs) > 0 {
		writeErrorKind(w, http.StatusBadRequest, KindValidation, "validation failed", verrs)
		return
	}

	// Sticky lookup. An existing Claim is returned unchanged; the scheduler
	// is never invoked. Transient store failures skip the check rather than
	// failing the create.
	existing, err := h.claims.GetClaim(r.Context(), def, req.Namespace, req.Name)
	switch {
	case err == nil:
		params := docParams(existing)
		writeJSON(w, http.StatusOK, serviceResponse{
			Status:    "exists",
			Sticky:    true,
			Product:   productName,
			Namespace: req.Namespace,
			Name:      req.Name,
			Message:   "Claim already exists. Returning existing placement (sticky).",
			Placement: placementFromParams(params),
			Reason:    docReason(existing),
			Applied:   false,
			Mode:      h.claims.Mode(),
		})
		return
	case errors.Is(err, claimstore.ErrNotFound):
		// Fresh create.
	default:
		h.logger.Warn("sticky lookup failed, proceeding with scheduling",
			"namespace", req.Namespace, "name", req.Name, "error", err)
	}

	dec, err := h.decide(req, nil)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	c, err := claim.Build(def, req, dec)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	applied, err := h.apply(r, def, c, dec.Placement.Provider)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.recordPlacement(r, req, dec)
	writeJSON(w, http.StatusCreated, serviceResponse{
		Status:    "created",
		Sticky:    false,
		Product:   productName,
		Namespace: req.Namespace,
		Name:      req.Name,
		Placement: dec.Placement,
		Reason:    dec.Reason,
		Claim:     c,
		Applied:   applied,
		Mode:      h.claims.Mode(),
	})
}

// statusResponse is the body for status responses.
type statusResponse struct {
	Product          string           `json:"product"`
	Claim            map[string]any   `json:"claim"`
	ConnectionSecret connectionSecret `json:"connectionSecret"`
}

type connectionSecret struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Exists    bool   `json:"exists"`
}

// Status handles GET /api/services/{product}/{namespace}/{name}.
func (h *ServiceHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, r.PathValue("product"))
}

// StatusMySQL handles the legacy GET /api/status/mysql/{namespace}/{name} alias.
func (h *ServiceHandler) StatusMySQL(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, "mysql")
}

func (h *ServiceHandler) status(w http.ResponseWriter, r *http.Request, productName string) {
	def, err := h.products.Get(productName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	namespace, name := r.PathValue("namespace"), r.PathValue("name")

	doc, err := h.claims.GetClaim(r.Context(), def, namespace, name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	secretName := def.ConnectionSecretName(name)
	exists, err := h.claims.ConnectionSecretExists(r.Context(), namespace, secretName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Product: productName,
		Claim:   doc,
		ConnectionSecret: connectionSecret{
			Name:      secretName,
			Namespace: namespace,
			Exists:    exists,
		},
	})
}

// Failover handles POST /api/services/{product}/{namespace}/{name}/failover.
func (h *ServiceHandler) Failover(w http.ResponseWriter, r *http.Request) {
	h.failover(w, r, r.PathValue("product"))
}

// FailoverMySQL handles the legacy POST /api/mysql/{namespace}/{name}/failover alias.
func (h *ServiceHandler) FailoverMySQL(w http.ResponseWriter, r *http.Request) {
	h.failover(w, r, "mysql")
}

func (h *ServiceHandler) failover(w http.ResponseWriter, r *http.Request, productName string) {
	def, err := h.products.Get(productName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	namespace, name := r.PathValue("namespace"), r.PathValue("name")

	exclude := parseExcludeProviders(r)

	doc, err := h.claims.GetClaim(r.Context(), def, namespace, name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	params := docParams(doc)
	previousProvider, _ := params["provider"].(string)

	req, verrs := h.requestFromClaim(def, params, namespace, name)
	if len(verrs) > 0 {
		writeErrorKind(w, http.StatusBadRequest, KindValidation,
			"stored claim parameters no longer validate against the product definition", verrs)
		return
	}

	dec, err := h.decide(req, exclude)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Failover is delete-then-apply. A delete failure is logged, not fatal;
	// the server-side apply below still converges the Claim.
	if err := h.claims.DeleteClaim(r.Context(), def, namespace, name); err != nil && !errors.Is(err, claimstore.ErrNotFound) {
		h.logger.Warn("could not delete existing claim during failover",
			"namespace", namespace, "name", name, "error", err)
	}

	c, err := claim.Build(def, req, dec)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	applied, err := h.apply(r, def, c, dec.Placement.Provider)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.recordPlacement(r, req, dec)
	writeJSON(w, http.StatusOK, serviceResponse{
		Status:           "failover_complete",
		Product:          productName,
		Namespace:        namespace,
		Name:             name,
		PreviousProvider: previousProvider,
		Placement:        dec.Placement,
		Reason:           dec.Reason,
		Claim:            c,
		Applied:          applied,
		Mode:             h.claims.Mode(),
	})
}

// buildRequest validates the common fields and product parameters of a
// request body. Errors are accumulated as strings for the response body.
func (h *ServiceHandler) buildRequest(def *product.Definition, body map[string]any) (model.Request, []string) {
	var verrs []string

	req := model.Request{
		Product:     def.Name,
		Namespace:   stringField(body, "namespace", "default"),
		Name:        stringField(body, "name", ""),
		Cell:        stringField(body, "cell", ""),
		Tier:        stringField(body, "tier", ""),
		Environment: stringField(body, "environment", ""),
	}
	if ha, ok := body["ha"]; ok {
		b, ok := ha.(bool)
		if !ok {
			verrs = append(verrs, "ha must be a boolean")
		}
		req.HA = b
	}

	if req.Name == "" {
		verrs = append(verrs, "name is required")
	}
	if req.Cell == "" {
		verrs = append(verrs, "cell is required")
	} else if !h.catalog.Has(req.Cell) {
		verrs = append(verrs, fmt.Sprintf("unknown cell %q (available: %v)", req.Cell, h.catalog.Cells()))
	}
	if req.Tier == "" {
		verrs = append(verrs, "tier is required")
	} else if !h.tiers.Has(req.Tier) {
		verrs = append(verrs, fmt.Sprintf("unknown tier %q", req.Tier))
	}
	if req.Environment == "" {
		verrs = append(verrs, "environment is required")
	} else if !model.ValidEnvironment(req.Environment) {
		verrs = append(verrs, fmt.Sprintf("environment must be one of %v", model.ValidEnvironments))
	}

	params, perrs := def.ValidateParams(body)
	for _, err := range perrs {
		verrs = append(verrs, err.Error())
	}
	req.Params = params
	return req, verrs
}

// requestFromClaim reconstructs the original request from a stored Claim's
// parameters, for failover rescheduling.
func (h *ServiceHandler) requestFromClaim(def *product.Definition, params map[string]any, namespace, name string) (model.Request, []string) {
	body := make(map[string]any, len(params)+2)
	for k, v := range params {
		switch k {
		case "provider", "region", "runtimeCluster", "network":
			// Decided fields are not part of the request.
		default:
			body[k] = v
		}
	}
	body["namespace"] = namespace
	body["name"] = name
	if _, ok := body["tier"]; !ok {
		body["tier"] = "medium"
	}
	return h.buildRequest(def, body)
}

// apply persists the Claim and feeds the provider breaker from the outcome.
// Dependency errors are configuration problems and bypass the breaker.
func (h *ServiceHandler) apply(r *http.Request, def *product.Definition, c *claim.Claim, provider string) (bool, error) {
	outcome, err := h.claims.ApplyClaim(r.Context(), def, c)
	if err != nil {
		var unavailable *claimstore.UnavailableError
		if errors.As(err, &unavailable) {
			h.health.RecordFailure(provider)
			h.metrics.RecordApply(provider, "error")
			h.publishBreakerState(provider)
		}
		return false, err
	}
	h.metrics.RecordApply(provider, string(outcome))
	if outcome == claimstore.OutcomeApplied {
		h.health.RecordSuccess(provider)
		h.publishBreakerState(provider)
	}
	return outcome == claimstore.OutcomeApplied, nil
}

// publishBreakerState mirrors the provider's breaker state into the gauge
// after an apply outcome moves it.
func (h *ServiceHandler) publishBreakerState(provider string) {
	var v float64
	switch h.health.State(provider) {
	case health.StateOpen:
		v = 2
	case health.StateHalfOpen:
		v = 1
	}
	h.metrics.SetBreakerState(provider, v)
}

// recordPlacement feeds a successful decision into analytics, metrics, and
// the optional history store.
func (h *ServiceHandler) recordPlacement(r *http.Request, req model.Request, dec model.Decision) {
	var experimentID, arm string
	if dec.Reason.ExperimentArm != nil {
		experimentID = dec.Reason.ExperimentArm.ExperimentID
		arm = dec.Reason.ExperimentArm.Arm
	}
	h.analytics.RecordPlacement(req.Tier, dec.Placement.Provider, dec.Placement.Region,
		dec.Reason.Selected.TotalScore, experimentID, arm)
	h.metrics.RecordPlacement(req.Cell, req.Tier, dec.Placement.Provider, arm,
		dec.Reason.Selected.TotalScore)

	if h.history == nil {
		return
	}
	reason, err := claim.CanonicalJSON(dec.Reason)
	if err != nil {
		h.logger.Error("encoding placement reason for history", "error", err)
		return
	}
	rec := &store.PlacementRecord{
		Product:      req.Product,
		Namespace:    req.Namespace,
		Name:         req.Name,
		Cell:         req.Cell,
		Tier:         req.Tier,
		Environment:  req.Environment,
		HA:           req.HA,
		Provider:     dec.Placement.Provider,
		Region:       dec.Placement.Region,
		ExperimentID: experimentID,
		Arm:          arm,
		TotalScore:   dec.Reason.Selected.TotalScore,
		Reason:       reason,
	}
	if err := h.history.RecordPlacement(r.Context(), rec); err != nil {
		h.logger.Error("recording placement history", "error", err)
	}
}

// decide runs the scheduler with timing, counting no-viable-candidate
// rejections toward the gate rejection rate.
func (h *ServiceHandler) decide(req model.Request, exclude []string) (model.Decision, error) {
	start := time.Now()
	dec, err := h.scheduler.Decide(req, exclude)
	h.metrics.ObserveDecision(req.Tier, time.Since(start))
	if err != nil {
		var noViable *scheduler.NoViableCandidateError
		if errors.As(err, &noViable) {
			h.analytics.RecordRejection()
			h.metrics.RecordRejection(req.Cell, req.Tier)
		}
	}
	return dec, err
}

// forbiddenPresent returns the forbidden fields present in a body, sorted.
func forbiddenPresent(body map[string]any) []string {
	var present []string
	for _, f := range forbiddenFields {
		if _, ok := body[f]; ok {
			present = append(present, f)
		}
	}
	sort.Strings(present)
	return present
}

// parseExcludeProviders reads the optional failover body. Both the current
// excludeProviders key and the legacy exclude_providers key are accepted.
func parseExcludeProviders(r *http.Request) []string {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil
	}
	raw, ok := body["excludeProviders"]
	if !ok {
		raw = body["exclude_providers"]
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringField reads a string from a generic body with a default.
func stringField(body map[string]any, key, def string) string {
	if v, ok := body[key].(string); ok && v != "" {
		return v
	}
	return def
}

// docParams extracts spec.parameters from a stored Claim document.
func docParams(doc map[string]any) map[string]any {
	spec, _ := doc["spec"].(map[string]any)
	params, _ := spec["parameters"].(map[string]any)
	return params
}

// docReason parses the placement-reason annotation from a stored Claim.
func docReason(doc map[string]any) any {
	meta, _ := doc["metadata"].(map[string]any)
	annotations, _ := meta["annotations"].(map[string]any)
	raw, _ := annotations[claim.AnnotationPlacementReason].(string)
	if raw == "" {
		return map[string]any{}
	}
	var reason any
	if err := json.Unmarshal([]byte(raw), &reason); err != nil {
		return map[string]any{"raw": raw}
	}
	return reason
}

// placementFromParams rebuilds the placement view from stored parameters.
func placementFromParams(params map[string]any) model.Placement {
	p := model.Placement{Network: map[string]string{}}
	p.Provider, _ = params["provider"].(string)
	p.Region, _ = params["region"].(string)
	p.RuntimeCluster, _ = params["runtimeCluster"].(string)
	if network, ok := params["network"].(map[string]any); ok {
		for k, v := range network {
			if s, ok := v.(string); ok {
				p.Network[k] = s
			}
		}
	}
	return p
}
