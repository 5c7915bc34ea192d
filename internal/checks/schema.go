package checks

import (
	"context"
	"fmt"
	"math"

	"github.com/kalambet/flint/internal/filter"
)

// SchemaValidation checks the parsed document for the fields every
// e-invoice grammar requires and for arithmetic consistency of the totals.
// With strict config, completeness findings that are normally warnings
// become rejections.
type SchemaValidation struct{}

func NewSchemaValidation() *SchemaValidation { return &SchemaValidation{} }

func (s *SchemaValidation) ID() string      { return "schema-validation" }
func (s *SchemaValidation) Name() string    { return "Schema Validation" }
func (s *SchemaValidation) Version() string { return "1.0.0" }

func (s *SchemaValidation) Execute(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
	doc, ok := rc.ParsedInvoice()
	if !ok {
		return filter.Errored(s.ID(),
			diag("schema.no-document", "schema validation requires a parsed document; run format-detection first",
				filter.SeverityError, "")), nil
	}

	cfg := rc.ConfigFor(s.ID())
	strict := configBool(cfg, "strict", false)
	tolerance := configFloat(cfg, "totalsTolerance", 0.01)
	softSeverity := filter.SeverityWarning
	if strict {
		softSeverity = filter.SeverityError
	}

	var diags []filter.Diagnostic
	add := func(d filter.Diagnostic) {
		d.Source = s.ID()
		diags = append(diags, d)
	}

	if doc.Number == "" {
		add(diag("schema.number", "invoice number is missing", filter.SeverityError, "invoice.number"))
	}
	if doc.IssueDate.IsZero() {
		add(diag("schema.issue-date", "issue date is missing or unparseable", filter.SeverityError, "invoice.issueDate"))
	}
	if doc.Currency == "" {
		add(diag("schema.currency", "currency code is missing", softSeverity, "invoice.currency"))
	} else if len(doc.Currency) != 3 {
		add(diag("schema.currency", fmt.Sprintf("currency %q is not an ISO 4217 code", doc.Currency), softSeverity, "invoice.currency"))
	}
	if doc.Supplier.Name == "" && doc.Supplier.VATID == "" {
		add(diag("schema.supplier", "supplier is missing both name and VAT identifier", filter.SeverityError, "invoice.supplier"))
	}
	if doc.Buyer.Name == "" && doc.Buyer.VATID == "" {
		add(diag("schema.buyer", "buyer is missing both name and VAT identifier", filter.SeverityError, "invoice.buyer"))
	}
	if doc.LineCount == 0 {
		add(diag("schema.lines", "invoice has no line items", softSeverity, "invoice.lineCount"))
	}

	if doc.TotalNet != 0 || doc.TotalTax != 0 || doc.TotalGross != 0 {
		if delta := math.Abs(doc.TotalNet + doc.TotalTax - doc.TotalGross); delta > tolerance {
			add(diag("schema.totals",
				fmt.Sprintf("net %.2f plus tax %.2f does not equal gross %.2f", doc.TotalNet, doc.TotalTax, doc.TotalGross),
				filter.SeverityError, "invoice.totalGross"))
		}
	}

	if doc.Supplier.VATID != "" && !vatShape(doc.Supplier.VATID) {
		add(diag("schema.vat-format", fmt.Sprintf("supplier VAT identifier %q has an unexpected shape", doc.Supplier.VATID),
			filter.SeverityWarning, "invoice.supplier.vatId"))
	}
	if doc.Buyer.VATID != "" && !vatShape(doc.Buyer.VATID) {
		add(diag("schema.vat-format", fmt.Sprintf("buyer VAT identifier %q has an unexpected shape", doc.Buyer.VATID),
			filter.SeverityWarning, "invoice.buyer.vatId"))
	}

	return resultFor(s.ID(), diags, nil), nil
}

// vatShape accepts the EU convention: two uppercase country letters followed
// by at least two alphanumeric characters.
func vatShape(id string) bool {
	if len(id) < 4 {
		return false
	}
	for i := 0; i < 2; i++ {
		if id[i] < 'A' || id[i] > 'Z' {
			return false
		}
	}
	for i := 2; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}
