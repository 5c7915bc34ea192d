package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/flint/internal/fingerprint"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/storage"
)

type planSummary struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	ConfigHash string    `json:"configHash"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// handleRegisterPlan validates and stores an execution plan. Registering an
// existing plan ID replaces its definition; the recorded config hash always
// reflects the stored revision.
func handleRegisterPlan(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var p plan.ExecutionPlan
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if err := plan.Validate(p, nil); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		hash, err := fingerprint.PlanConfigHash(p)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "plan is not hashable: %v", err)
			return
		}
		p.ConfigHash = hash

		definition, err := json.Marshal(p)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encode plan: %v", err)
			return
		}

		now := time.Now().UTC()
		stored := storage.Plan{
			ID:         p.ID,
			Version:    p.Version,
			ConfigHash: hash,
			Definition: string(definition),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := deps.Store.SavePlan(stored); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save plan: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":         p.ID,
			"version":    p.Version,
			"configHash": hash,
			"status":     "registered",
		})
	}
}

func handleListPlans(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		plans, err := deps.Store.ListPlans(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list plans: %v", err)
			return
		}

		summaries := make([]planSummary, len(plans))
		for i, p := range plans {
			summaries[i] = planSummary{
				ID:         p.ID,
				Version:    p.Version,
				ConfigHash: p.ConfigHash,
				UpdatedAt:  p.UpdatedAt,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summaries)
	}
}

func handleGetPlan(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		p, err := deps.Store.GetPlan(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "plan %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load plan: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"plan":       json.RawMessage(p.Definition),
			"configHash": p.ConfigHash,
			"createdAt":  p.CreatedAt,
			"updatedAt":  p.UpdatedAt,
		})
	}
}
