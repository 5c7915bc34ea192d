// Package api exposes the validation engine over HTTP and MCP. The HTTP
// surface is a small bearer-authenticated JSON API for submitting invoices,
// reading attestations, verifying fingerprints, and managing execution plans;
// the MCP surface mirrors the same operations as tools for agent clients.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/flint/internal/cleanup"
	"github.com/kalambet/flint/internal/pipeline"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/storage"
)

const (
	// maxRequestBodySize caps plan and verification payloads.
	maxRequestBodySize = 1 << 20 // 1MB

	// maxDocumentBodySize caps validation submissions; base64-encoded
	// Factur-X PDFs run well past the plain-JSON cap.
	maxDocumentBodySize = 10 << 20 // 10MB
)

// AppDeps holds the wiring for the HTTP API. Engine and Store must be
// non-nil; Queue and DefaultPlan are optional.
type AppDeps struct {
	Engine *pipeline.Engine
	Store  *storage.Store
	Queue  cleanup.Queue

	// Token authenticates the /v1 routes.
	Token string

	// DefaultPlan runs when a request names neither a plan nor a planId.
	DefaultPlan *plan.ExecutionPlan
}

// NewAppHandler returns the HTTP handler for the validation API. Health and
// metrics are unauthenticated; everything under /v1 requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/validations", handleValidate(deps))

		r.Get("/attestations", handleListAttestations(deps))
		r.Get("/attestations/{id}", handleGetAttestation(deps))
		r.Get("/attestations/{id}/snapshot", handleGetSnapshot(deps))
		r.Post("/attestations/{id}/verify", handleVerifyAttestation(deps))

		r.Get("/plans", handleListPlans(deps))
		r.Post("/plans", handleRegisterPlan(deps))
		r.Get("/plans/{id}", handleGetPlan(deps))

		r.Get("/cleanup/pending", handleCleanupPending(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleCleanupPending lists cleanup records awaiting retry. A deployment
// without a cleanup queue reports an empty backlog.
func handleCleanupPending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := []cleanup.Record{}
		if deps.Queue != nil {
			pending, err := deps.Queue.Pending()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "listing cleanup backlog: %v", err)
				return
			}
			records = append(records, pending...)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
