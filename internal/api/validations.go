package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/flint/internal/pipeline"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/storage"
)

// ValidationRequest submits an invoice for validation. Exactly one of
// Document and DocumentBase64 carries the payload; Plan, PlanID, and the
// server default are consulted in that order.
type ValidationRequest struct {
	Document       string                    `json:"document,omitempty"`
	DocumentBase64 string                    `json:"documentBase64,omitempty"`
	PlanID         string                    `json:"planId,omitempty"`
	Plan           *plan.ExecutionPlan       `json:"plan,omitempty"`
	Overrides      map[string]map[string]any `json:"overrides,omitempty"`
	CorrelationID  string                    `json:"correlationId,omitempty"`
}

// ValidationResponse is the full outcome of a run: the step-by-step report
// and the signed compliance fingerprint persisted alongside it.
type ValidationResponse struct {
	Report      json.RawMessage `json:"report"`
	Fingerprint json.RawMessage `json:"fingerprint"`
}

func handleValidate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req ValidationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		document, err := decodeDocument(req)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		execPlan, err := resolvePlan(deps.Store, deps.DefaultPlan, req)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "plan %q not found", req.PlanID)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		result, err := deps.Engine.Execute(r.Context(), pipeline.Input{
			Document:      document,
			Plan:          execPlan,
			Overrides:     req.Overrides,
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			var cfgErr *plan.ConfigurationError
			if errors.As(err, &cfgErr) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "validation failed: %v", err)
			return
		}

		reportJSON, fpJSON, err := persistRun(deps.Store, result)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "persist attestation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ValidationResponse{
			Report:      reportJSON,
			Fingerprint: fpJSON,
		})
	}
}

// decodeDocument extracts the raw invoice payload from the request. The two
// document fields are mutually exclusive so a mismatched pair can never be
// silently half-used.
func decodeDocument(req ValidationRequest) ([]byte, error) {
	switch {
	case req.Document != "" && req.DocumentBase64 != "":
		return nil, errors.New("document and documentBase64 are mutually exclusive")
	case req.Document != "":
		return []byte(req.Document), nil
	case req.DocumentBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(req.DocumentBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid documentBase64: %v", err)
		}
		return raw, nil
	default:
		return nil, errors.New("document or documentBase64 is required")
	}
}

// resolvePlan picks the execution plan for a request: an inline plan wins,
// then a registered plan by ID, then the server default.
func resolvePlan(store *storage.Store, defaultPlan *plan.ExecutionPlan, req ValidationRequest) (plan.ExecutionPlan, error) {
	if req.Plan != nil {
		return *req.Plan, nil
	}
	if req.PlanID != "" {
		stored, err := store.GetPlan(req.PlanID)
		if err != nil {
			return plan.ExecutionPlan{}, err
		}
		var p plan.ExecutionPlan
		if err := json.Unmarshal([]byte(stored.Definition), &p); err != nil {
			return plan.ExecutionPlan{}, fmt.Errorf("decode stored plan %q: %v", req.PlanID, err)
		}
		return p, nil
	}
	if defaultPlan != nil {
		return *defaultPlan, nil
	}
	return plan.ExecutionPlan{}, errors.New("no execution plan: provide plan, planId, or configure a default")
}

// persistRun stores the attestation row and its plan snapshot. The returned
// JSON blobs are the exact bytes persisted, so what the caller sends back is
// what a later verification will re-hash.
func persistRun(store *storage.Store, result *pipeline.RunResult) (reportJSON, fpJSON json.RawMessage, err error) {
	reportJSON, err = json.Marshal(result.Report)
	if err != nil {
		return nil, nil, fmt.Errorf("encode report: %w", err)
	}
	fpJSON, err = json.Marshal(result.Fingerprint)
	if err != nil {
		return nil, nil, fmt.Errorf("encode fingerprint: %w", err)
	}
	if store == nil {
		return reportJSON, fpJSON, nil
	}

	att := storage.Attestation{
		ID:              result.Fingerprint.ID,
		RunID:           result.Report.RunID,
		CorrelationID:   result.Report.CorrelationID,
		PlanID:          result.Report.PlanID,
		PlanVersion:     result.Report.PlanVersion,
		PlanHash:        result.Report.PlanHash,
		Status:          string(result.Report.Status),
		Score:           result.Report.Score,
		CreatedAt:       result.Fingerprint.Timestamp,
		FingerprintJSON: string(fpJSON),
		ReportJSON:      string(reportJSON),
	}
	if err := store.SaveAttestation(att); err != nil {
		return nil, nil, err
	}

	if result.Snapshot != nil {
		snapJSON, err := json.Marshal(result.Snapshot)
		if err != nil {
			return nil, nil, fmt.Errorf("encode snapshot: %w", err)
		}
		snap := storage.Snapshot{
			AttestationID: att.ID,
			PlanHash:      result.Snapshot.PlanHash,
			SnapshotJSON:  string(snapJSON),
			CreatedAt:     result.Snapshot.CreatedAt,
		}
		if err := store.SaveSnapshot(snap); err != nil {
			return nil, nil, err
		}
	}

	return reportJSON, fpJSON, nil
}
