package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Attestation is one persisted compliance fingerprint together with the full
// report it attests. Rows are immutable: a fingerprint is written once when
// its run finishes and never updated.
type Attestation struct {
	ID              string
	RunID           string
	CorrelationID   string
	PlanID          string
	PlanVersion     string
	PlanHash        string
	Status          string
	Score           int
	CreatedAt       time.Time
	FingerprintJSON string // canonical fingerprint document
	ReportJSON      string // full validation report
}

// Plan is a registered execution plan. Definition holds the plan document
// exactly as submitted; ConfigHash is its identity hash.
type Plan struct {
	ID         string
	Version    string
	ConfigHash string
	Definition string // JSON
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot freezes the plan an attestation executed under, engine versions
// included, so the run can be reconstructed after the plan itself changes.
type Snapshot struct {
	AttestationID string
	PlanHash      string
	SnapshotJSON  string
	CreatedAt     time.Time
}
