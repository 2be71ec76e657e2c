package handlers

import (
	"net/http"
	"time"

	"github.com/idpcell/controlplane/metrics"
)

// NewRouter registers every route on a ServeMux and wraps it with request
// instrumentation.
func NewRouter(svc *ServiceHandler, admin *AdminHandler, collector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", admin.Health)
	mux.Handle("GET /metrics", collector.Handler())

	// Developer API.
	mux.HandleFunc("GET /api/products", admin.Products)
	mux.HandleFunc("GET /api/cells", admin.Cells)
	mux.HandleFunc("POST /api/services/{product}", svc.Create)
	mux.HandleFunc("GET /api/services/{product}/{namespace}/{name}", svc.Status)
	mux.HandleFunc("POST /api/services/{product}/{namespace}/{name}/failover", svc.Failover)

	// Legacy MySQL aliases.
	mux.HandleFunc("POST /api/mysql", svc.CreateMySQL)
	mux.HandleFunc("GET /api/status/mysql/{namespace}/{name}", svc.StatusMySQL)
	mux.HandleFunc("POST /api/mysql/{namespace}/{name}/failover", svc.FailoverMySQL)

	// Operator API.
	mux.HandleFunc("GET /api/providers/health", admin.ProvidersHealth)
	mux.HandleFunc("PUT /api/providers/{provider}/health", admin.SetProviderHealth)
	mux.HandleFunc("GET /api/experiments", admin.ListExperiments)
	mux.HandleFunc("POST /api/experiments", admin.CreateExperiment)
	mux.HandleFunc("GET /api/experiments/{id}", admin.GetExperiment)
	mux.HandleFunc("DELETE /api/experiments/{id}", admin.DeleteExperiment)
	mux.HandleFunc("GET /api/flags", admin.ListFlags)
	mux.HandleFunc("PUT /api/flags/{name}", admin.SetFlag)
	mux.HandleFunc("DELETE /api/flags/{name}", admin.DeleteFlag)
	mux.HandleFunc("GET /api/analytics", admin.Analytics)
	mux.HandleFunc("GET /api/admin/placements", admin.Placements)
	mux.HandleFunc("GET /api/admin/audit-log", admin.AuditLog)

	return instrument(mux, collector)
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records per-request counters and latency. The route pattern is
// the path label so placeholders do not explode cardinality.
func instrument(mux *http.ServeMux, collector *metrics.Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		_, path := mux.Handler(r)
		if path == "" {
			path = "unmatched"
		}
		mux.ServeHTTP(rec, r)

		collector.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}
