package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/idpcell/controlplane/catalog"
	"github.com/idpcell/controlplane/claimstore"
	"github.com/idpcell/controlplane/experiment"
	"github.com/idpcell/controlplane/policy"
	"github.com/idpcell/controlplane/product"
	"github.com/idpcell/controlplane/scheduler"
)

// Error kinds in response bodies. Clients branch on kind, not on message
// text.
const (
	KindValidation        = "validation"
	KindUnknownProduct    = "unknown_product"
	KindUnknownTier       = "unknown_tier"
	KindUnknownCell       = "unknown_cell"
	KindNoViableCandidate = "no_viable_candidate"
	KindDependencyMissing = "dependency_missing"
	KindNotFound          = "not_found"
	KindConflict          = "conflict"
	KindUpstreamTransient = "upstream_transient"
	KindInternal          = "internal"
)

// errorBody is the structured error response: {error, kind, details}.
type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details any    `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeErrorKind writes a structured error with an explicit kind.
func writeErrorKind(w http.ResponseWriter, status int, kind, message string, details any) {
	writeJSON(w, status, errorBody{Error: message, Kind: kind, Details: details})
}

// writeError maps a taxonomy error to its status code and structured body.
// Errors outside the taxonomy are logged and surfaced as a generic 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		unknownProduct *product.UnknownProductError
		unknownTier    *policy.UnknownTierError
		unknownCell    *catalog.UnknownCellError
		noViable       *scheduler.NoViableCandidateError
		depMissing     *claimstore.DependencyMissingError
		unavailable    *claimstore.UnavailableError
		duplicate      *experiment.DuplicateError
	)
	switch {
	case errors.As(err, &unknownProduct):
		writeErrorKind(w, http.StatusBadRequest, KindUnknownProduct, err.Error(),
			map[string]any{"available": unknownProduct.Available})
	case errors.As(err, &unknownTier):
		writeErrorKind(w, http.StatusBadRequest, KindUnknownTier, err.Error(), nil)
	case errors.As(err, &unknownCell):
		writeErrorKind(w, http.StatusBadRequest, KindUnknownCell, err.Error(), nil)
	case errors.As(err, &noViable):
		writeErrorKind(w, http.StatusUnprocessableEntity, KindNoViableCandidate, err.Error(),
			map[string]any{
				"stage":               noViable.Stage,
				"gates":               noViable.Gates,
				"excluded":            noViable.Excluded,
				"candidatesEvaluated": noViable.CandidatesEvaluated,
				"candidatesHealthy":   noViable.CandidatesHealthy,
			})
	case errors.As(err, &depMissing):
		writeErrorKind(w, http.StatusFailedDependency, KindDependencyMissing, err.Error(),
			map[string]any{"resource": depMissing.Resource})
	case errors.As(err, &unavailable):
		w.Header().Set("Retry-After", "1")
		writeErrorKind(w, http.StatusBadGateway, KindUpstreamTransient, err.Error(), nil)
	case errors.As(err, &duplicate):
		writeErrorKind(w, http.StatusConflict, KindConflict, err.Error(), nil)
	case errors.Is(err, claimstore.ErrNotFound):
		writeErrorKind(w, http.StatusNotFound, KindNotFound, err.Error(), nil)
	default:
		logger.Error("unexpected error", "error", err)
		writeErrorKind(w, http.StatusInternalServerError, KindInternal, "internal error", nil)
	}
}
