// Package handlers provides the HTTP handlers exposing job progress.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/savid/hwpipe/internal/pipeline"
	"github.com/savid/hwpipe/internal/types"
)

// StatsSource exposes the state of a running job.
type StatsSource interface {
	Report() types.Report
	Details() map[string]pipeline.Detail
}

// StatsResponse is the body served at /stats.
type StatsResponse struct {
	types.Report
	FPS     float64                    `json:"fps"`
	Details map[string]pipeline.Detail `json:"details,omitempty"`
}

// StatsHandler serves the job report at /stats. ?detail=1 adds pool, task and
// stage counters per session.
func StatsHandler(source StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		report := source.Report()
		resp := StatsResponse{Report: report, FPS: report.FPS()}
		if r.URL.Query().Get("detail") == "1" {
			resp.Details = source.Details()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
			return
		}
	}
}

// HealthHandler answers 200 while no session failed and 503 otherwise.
func HealthHandler(source StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := source.Report()

		w.Header().Set("Content-Type", "text/plain")
		if report.Failed > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "%d of %d sessions failed\n", report.Failed, len(report.Sessions))
			return
		}
		if report.Degraded > 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprintf(w, "OK (%d degraded)\n", report.Degraded)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// Routes registers every handler on mux.
func Routes(mux *http.ServeMux, source StatsSource) {
	mux.Handle("/stats", StatsHandler(source))
	mux.Handle("/health", HealthHandler(source))
}
