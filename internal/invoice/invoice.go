// Package invoice holds the parsed e-invoice model shared by filters,
// the pipeline, and the attestation layer.
package invoice

import (
	"strings"
	"time"
)

// Format identifies the syntax family of a submitted invoice document.
type Format string

const (
	FormatUBL     Format = "ubl"      // OASIS UBL 2.x Invoice XML
	FormatCII     Format = "cii"      // UN/CEFACT Cross Industry Invoice XML
	FormatFacturX Format = "facturx"  // PDF/A-3 with embedded CII XML
	FormatPDF     Format = "pdf"      // plain PDF, no embedded structured data
	FormatJSON    Format = "json"     // internal JSON submission format
	FormatUnknown Format = "unknown"
)

// Party is one side of the trade: supplier or buyer.
type Party struct {
	Name    string `json:"name,omitempty"`
	VATID   string `json:"vatId,omitempty"`
	Country string `json:"country,omitempty"`
}

// Document is the format-independent view of an invoice after parsing.
// Fields carries the full extracted field tree for path lookups; the typed
// members cover what the built-in filters need directly.
type Document struct {
	Format     Format    `json:"format"`
	Number     string    `json:"number"`
	IssueDate  time.Time `json:"issueDate"`
	Currency   string    `json:"currency"`
	Supplier   Party     `json:"supplier"`
	Buyer      Party     `json:"buyer"`
	TotalNet   float64   `json:"totalNet"`
	TotalTax   float64   `json:"totalTax"`
	TotalGross float64   `json:"totalGross"`
	LineCount  int       `json:"lineCount"`

	Fields map[string]any `json:"fields,omitempty"`
}

// Field resolves a dot path ("supplier.vatId") against the extracted field
// tree. Only map nodes are traversed.
func (d Document) Field(path string) (any, bool) {
	if path == "" || d.Fields == nil {
		return nil, false
	}
	var node any = d.Fields
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}
