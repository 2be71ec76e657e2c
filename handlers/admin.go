package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/idpcell/controlplane/analytics"
	"github.com/idpcell/controlplane/catalog"
	"github.com/idpcell/controlplane/experiment"
	"github.com/idpcell/controlplane/featureflag"
	"github.com/idpcell/controlplane/health"
	"github.com/idpcell/controlplane/model"
	"github.com/idpcell/controlplane/policy"
	"github.com/idpcell/controlplane/product"
	"github.com/idpcell/controlplane/store"
)

// AdminHandler serves the operator API: catalogs, provider health,
// experiments, flags, analytics, and history.
type AdminHandler struct {
	logger      *slog.Logger
	products    *product.Registry
	tiers       *policy.Table
	catalog     *catalog.Catalog
	health      *health.Registry
	experiments *experiment.Store
	flags       *featureflag.Store
	analytics   *analytics.Recorder
	history     *store.SQLite
	mode        string
}

// NewAdminHandler creates an AdminHandler. history may be nil when
// persistence is disabled.
func NewAdminHandler(logger *slog.Logger, products *product.Registry, tiers *policy.Table,
	cat *catalog.Catalog, reg *health.Registry, exps *experiment.Store,
	flags *featureflag.Store, rec *analytics.Recorder, history *store.SQLite, mode string) *AdminHandler {
	return &AdminHandler{
		logger:      logger,
		products:    products,
		tiers:       tiers,
		catalog:     cat,
		health:      reg,
		experiments: exps,
		flags:       flags,
		analytics:   rec,
		history:     history,
		mode:        mode,
	}
}

// Health handles GET /health.
func (h *AdminHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": h.mode})
}

// Products handles GET /api/products.
func (h *AdminHandler) Products(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"products": h.products.List(),
		"tiers":    h.tiers.List(),
	})
}

// cellView is one cell with its candidate pool.
type cellView struct {
	Name       string            `json:"name"`
	Candidates []model.Candidate `json:"candidates"`
}

// Cells handles GET /api/cells.
func (h *AdminHandler) Cells(w http.ResponseWriter, r *http.Request) {
	var cells []cellView
	for _, name := range h.catalog.Cells() {
		pool, err := h.catalog.Candidates(name)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		cells = append(cells, cellView{Name: name, Candidates: pool})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": cells})
}

// ProvidersHealth handles GET /api/providers/health.
func (h *AdminHandler) ProvidersHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.health.View()})
}

// SetProviderHealth handles PUT /api/providers/{provider}/health.
func (h *AdminHandler) SetProviderHealth(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var body struct {
		Healthy *bool `json:"healthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Healthy == nil {
		writeErrorKind(w, http.StatusBadRequest, KindValidation, "body must be {\"healthy\": true|false}", nil)
		return
	}
	h.health.SetHealthy(provider, *body.Healthy)
	if h.history != nil {
		if err := h.history.SetProviderHealth(r.Context(), provider, *body.Healthy); err != nil {
			h.logger.Error("persisting provider health", "provider", provider, "error", err)
		}
	}
	h.audit(r, "provider_health_set", map[string]any{"provider": provider, "healthy": *body.Healthy})
	h.logger.Info("provider health set", "provider", provider, "healthy", *body.Healthy)
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "healthy": *body.Healthy})
}

// ListExperiments handles GET /api/experiments.
func (h *AdminHandler) ListExperiments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"experiments": h.experiments.List()})
}

// GetExperiment handles GET /api/experiments/{id}.
func (h *AdminHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	spec, ok := h.experiments.Get(id)
	if !ok {
		writeErrorKind(w, http.StatusNotFound, KindNotFound, fmt.Sprintf("experiment %q not found", id), nil)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// CreateExperiment handles POST /api/experiments.
func (h *AdminHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var spec experiment.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindValidation, "request body must be valid JSON", nil)
		return
	}
	created, err := h.experiments.Create(spec)
	if err != nil {
		var dup *experiment.DuplicateError
		if errors.As(err, &dup) {
			writeError(w, h.logger, err)
			return
		}
		writeErrorKind(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
		return
	}
	if h.history != nil {
		if err := h.history.SaveExperiment(r.Context(), created.ID, created); err != nil {
			h.logger.Error("persisting experiment", "id", created.ID, "error", err)
		}
	}
	h.audit(r, "experiment_created", map[string]any{"id": created.ID, "tier": created.Tier, "trafficPercentage": created.TrafficPercentage})
	h.logger.Info("experiment created", "id", created.ID, "tier", created.Tier)
	writeJSON(w, http.StatusCreated, created)
}

// DeleteExperiment handles DELETE /api/experiments/{id}.
func (h *AdminHandler) DeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.experiments.Delete(id) {
		writeErrorKind(w, http.StatusNotFound, KindNotFound, fmt.Sprintf("experiment %q not found", id), nil)
		return
	}
	if h.history != nil {
		if err := h.history.DeleteExperiment(r.Context(), id); err != nil {
			h.logger.Error("deleting stored experiment", "id", id, "error", err)
		}
	}
	h.audit(r, "experiment_deleted", map[string]any{"id": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// ListFlags handles GET /api/flags.
func (h *AdminHandler) ListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"flags": h.flags.All()})
}

// SetFlag handles PUT /api/flags/{name}.
func (h *AdminHandler) SetFlag(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeErrorKind(w, http.StatusBadRequest, KindValidation, "body must be {\"enabled\": true|false}", nil)
		return
	}
	h.flags.Set(name, *body.Enabled)
	if h.history != nil {
		if err := h.history.SetFlag(r.Context(), name, *body.Enabled); err != nil {
			h.logger.Error("persisting flag", "name", name, "error", err)
		}
	}
	h.audit(r, "flag_set", map[string]any{"name": name, "enabled": *body.Enabled})
	h.logger.Info("feature flag set", "name", name, "enabled", *body.Enabled)
	writeJSON(w, http.StatusOK, featureflag.Flag{Name: name, Enabled: *body.Enabled})
}

// DeleteFlag handles DELETE /api/flags/{name}.
func (h *AdminHandler) DeleteFlag(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.flags.Delete(name) {
		writeErrorKind(w, http.StatusNotFound, KindNotFound, fmt.Sprintf("flag %q not set", name), nil)
		return
	}
	if h.history != nil {
		if err := h.history.DeleteFlag(r.Context(), name); err != nil {
			h.logger.Error("deleting stored flag", "name", name, "error", err)
		}
	}
	h.audit(r, "flag_deleted", map[string]any{"name": name})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
}

// Analytics handles GET /api/analytics.
func (h *AdminHandler) Analytics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.analytics.Snapshot())
}

// Placements handles GET /api/admin/placements.
func (h *AdminHandler) Placements(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeErrorKind(w, http.StatusNotFound, KindNotFound, "placement history requires the persistent store (set IDP_DB)", nil)
		return
	}
	records, err := h.history.ListPlacements(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"placements": records})
}

// AuditLog handles GET /api/admin/audit-log.
func (h *AdminHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeErrorKind(w, http.StatusNotFound, KindNotFound, "audit log requires the persistent store (set IDP_DB)", nil)
		return
	}
	entries, err := h.history.ListAudit(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// audit appends an admin mutation to the audit log when persistence is on.
func (h *AdminHandler) audit(r *http.Request, action string, detail map[string]any) {
	if h.history == nil {
		return
	}
	if err := h.history.AppendAudit(r.Context(), action, r.RemoteAddr, detail); err != nil {
		h.logger.Error("appending audit entry", "action", action, "error", err)
	}
}

// limitParam parses the optional ?limit= query parameter.
func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
