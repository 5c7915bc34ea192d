package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/flint/internal/fingerprint"
	"github.com/kalambet/flint/internal/storage"
)

type attestationSummary struct {
	ID            string    `json:"id"`
	RunID         string    `json:"runId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	PlanID        string    `json:"planId"`
	Status        string    `json:"status"`
	Score         int       `json:"score"`
	CreatedAt     time.Time `json:"createdAt"`
}

func summarizeAttestation(att storage.Attestation) attestationSummary {
	return attestationSummary{
		ID:            att.ID,
		RunID:         att.RunID,
		CorrelationID: att.CorrelationID,
		PlanID:        att.PlanID,
		Status:        att.Status,
		Score:         att.Score,
		CreatedAt:     att.CreatedAt,
	}
}

func handleListAttestations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		atts, err := deps.Store.ListAttestations(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list attestations: %v", err)
			return
		}

		summaries := make([]attestationSummary, len(atts))
		for i, att := range atts {
			summaries[i] = summarizeAttestation(att)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summaries)
	}
}

func handleGetAttestation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		att, err := deps.Store.GetAttestation(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "attestation %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load attestation: %v", err)
			return
		}

		resp := map[string]json.RawMessage{
			"fingerprint": json.RawMessage(att.FingerprintJSON),
		}
		if att.ReportJSON != "" {
			resp["report"] = json.RawMessage(att.ReportJSON)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// handleGetSnapshot returns the frozen plan snapshot recorded when the run
// executed, byte-for-byte as persisted.
func handleGetSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		snap, err := deps.Store.GetSnapshot(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "snapshot for attestation %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load snapshot: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(snap.SnapshotJSON))
	}
}

func handleVerifyAttestation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		att, err := deps.Store.GetAttestation(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "attestation %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load attestation: %v", err)
			return
		}

		valid, err := verifyAttestation(att)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "verification failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"attestationId": att.ID,
			"valid":         valid,
		})
	}
}

// verifyAttestation re-hashes the stored report and compares it against the
// fingerprint recorded at run time. A missing report or fingerprint fails
// verification rather than erroring: the attestation simply cannot be proven.
func verifyAttestation(att storage.Attestation) (bool, error) {
	var fp fingerprint.ComplianceFingerprint
	if err := json.Unmarshal([]byte(att.FingerprintJSON), &fp); err != nil {
		return false, fmt.Errorf("decode fingerprint: %w", err)
	}
	if att.ReportJSON == "" || fp.Fingerprint == "" {
		return false, nil
	}
	return fingerprint.Verify(json.RawMessage(att.ReportJSON), fp.Fingerprint)
}
