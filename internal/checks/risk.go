package checks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/invoice"
	"github.com/kalambet/flint/internal/tempstore"
)

// DefaultDuplicateWindow is how long an invoice digest is remembered for
// duplicate detection.
const DefaultDuplicateWindow = 24 * time.Hour

// RiskAssessment flags suspicious submissions: duplicates inside the
// configured window, implausible amounts and dates, and parties without tax
// identity. It never rejects a document on its own; findings surface as
// warnings and as risk notes on the fingerprint.
type RiskAssessment struct {
	store *tempstore.Store
	clock tempstore.Clock
}

// NewRiskAssessment builds the filter. store may be nil, which disables
// duplicate detection.
func NewRiskAssessment(store *tempstore.Store) *RiskAssessment {
	return NewRiskAssessmentWithClock(store, realClock{})
}

func NewRiskAssessmentWithClock(store *tempstore.Store, clock tempstore.Clock) *RiskAssessment {
	return &RiskAssessment{store: store, clock: clock}
}

func (r *RiskAssessment) ID() string      { return "risk-assessment" }
func (r *RiskAssessment) Name() string    { return "Risk Assessment" }
func (r *RiskAssessment) Version() string { return "1.0.0" }

func (r *RiskAssessment) Execute(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
	doc, ok := rc.ParsedInvoice()
	if !ok {
		res := filter.Passed(r.ID())
		res.Diagnostics = []filter.Diagnostic{
			diag("risk.no-document", "no parsed document; risk checks skipped", filter.SeverityInfo, ""),
		}
		return res, nil
	}

	cfg := rc.ConfigFor(r.ID())
	window := time.Duration(configInt64(cfg, "duplicateWindowMs",
		int64(DefaultDuplicateWindow/time.Millisecond))) * time.Millisecond

	var diags []filter.Diagnostic
	var notes []string
	flag := func(code, msg, location, note string) {
		d := diag(code, msg, filter.SeverityWarning, location)
		d.Source = r.ID()
		d.Category = "risk"
		diags = append(diags, d)
		notes = append(notes, note)
	}

	if r.store != nil && doc.Number != "" {
		digest := invoiceDigest(doc)
		key := tempstore.Key(tempstore.CategorySeenInvoice, digest)
		if r.store.Has(key) {
			flag("risk.duplicate",
				"an identical invoice was already submitted within the duplicate window",
				"invoice.number",
				fmt.Sprintf("duplicate submission (digest %s)", digest[:12]))
		}
		// Refresh the window on every sighting. Deliberately not a run
		// temp key: it must outlive this run.
		_ = r.store.Set(key, []byte{1}, tempstore.SetOptions{
			TTL:      window,
			Category: tempstore.CategorySeenInvoice,
		})
	}

	if doc.TotalGross < 0 {
		flag("risk.negative-total", "gross total is negative", "invoice.totalGross", "negative gross amount")
	} else if doc.TotalGross == 0 && doc.TotalNet == 0 {
		flag("risk.zero-amount", "invoice carries no monetary amount", "invoice.totalGross", "zero-amount invoice")
	}
	if !doc.IssueDate.IsZero() && doc.IssueDate.After(r.clock.Now().Add(24*time.Hour)) {
		flag("risk.future-date", "issue date lies in the future", "invoice.issueDate", "future issue date")
	}
	if doc.Supplier.VATID == "" && doc.Buyer.VATID == "" {
		flag("risk.no-vat", "neither party carries a VAT identifier", "invoice.supplier.vatId", "no VAT identifiers on either party")
	}
	if doc.Supplier.Name != "" && strings.EqualFold(doc.Supplier.Name, doc.Buyer.Name) {
		flag("risk.same-party", "supplier and buyer appear to be the same party", "invoice.buyer.name", "supplier and buyer identical")
	}

	var meta map[string]any
	if len(notes) > 0 {
		meta = map[string]any{filter.MetaRiskNotes: notes}
	}
	return resultFor(r.ID(), diags, meta), nil
}

// invoiceDigest keys duplicate detection on the fields a resubmission cannot
// plausibly change: number, supplier identity, and gross amount.
func invoiceDigest(doc invoice.Document) string {
	h := sha256.Sum256([]byte(doc.Number + "|" + doc.Supplier.VATID + "|" +
		strconv.FormatFloat(doc.TotalGross, 'f', 2, 64)))
	return hex.EncodeToString(h[:])
}
