package invoice

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MaskStrategy says how a field survives into long-term records.
type MaskStrategy string

const (
	MaskKeep    MaskStrategy = "keep"
	MaskPartial MaskStrategy = "partial"
	MaskHash    MaskStrategy = "hash"
	MaskRedact  MaskStrategy = "redact"
)

// MaskRule is the resolved masking decision for one field path.
type MaskRule struct {
	Strategy MaskStrategy
}

// MaskPolicy decides, per field path, how much of a value may be retained
// after the raw document is destroyed.
type MaskPolicy interface {
	RuleFor(fieldPath string) MaskRule
}

// mapPolicy is a MaskPolicy backed by a path → strategy table; unlisted
// paths are kept.
type mapPolicy map[string]MaskStrategy

func (p mapPolicy) RuleFor(fieldPath string) MaskRule {
	if s, ok := p[fieldPath]; ok {
		return MaskRule{Strategy: s}
	}
	return MaskRule{Strategy: MaskKeep}
}

// DefaultMaskPolicy keeps amounts, dates, and currency, partially masks
// document and VAT numbers, and hashes party names.
func DefaultMaskPolicy() MaskPolicy {
	return mapPolicy{
		"number":         MaskPartial,
		"supplier.name":  MaskHash,
		"buyer.name":     MaskHash,
		"supplier.vatId": MaskPartial,
		"buyer.vatId":    MaskPartial,
	}
}

// ClearMaskPolicy keeps every field verbatim. For deployments that hold
// fingerprints inside the same trust boundary as the invoices themselves.
func ClearMaskPolicy() MaskPolicy {
	return mapPolicy{}
}

// Summary is the masked projection of a document that may outlive it inside
// a compliance fingerprint. It never carries raw document content.
type Summary struct {
	InvoiceNumber string    `json:"invoiceNumber,omitempty"`
	Seller        string    `json:"seller,omitempty"`
	Buyer         string    `json:"buyer,omitempty"`
	IssueDate     time.Time `json:"issueDate,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Total         float64   `json:"total"`
	LineCount     int       `json:"lineCount"`
}

// MaskSummary projects the document through the policy. A nil policy uses
// the default.
func MaskSummary(d Document, policy MaskPolicy) Summary {
	if policy == nil {
		policy = DefaultMaskPolicy()
	}
	return Summary{
		InvoiceNumber: applyMask(d.Number, policy.RuleFor("number")),
		Seller:        applyMask(d.Supplier.Name, policy.RuleFor("supplier.name")),
		Buyer:         applyMask(d.Buyer.Name, policy.RuleFor("buyer.name")),
		IssueDate:     d.IssueDate,
		Currency:      applyMask(d.Currency, policy.RuleFor("currency")),
		Total:         d.TotalGross,
		LineCount:     d.LineCount,
	}
}

func applyMask(v string, rule MaskRule) string {
	if v == "" {
		return ""
	}
	switch rule.Strategy {
	case MaskPartial:
		return maskPartial(v)
	case MaskHash:
		return maskHash(v)
	case MaskRedact:
		return "[redacted]"
	default:
		return v
	}
}

// maskPartial keeps the first and last two characters of values long enough
// to stay non-identifying.
func maskPartial(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}

// maskHash replaces the value with a short stable digest so equal values
// remain linkable across fingerprints without being recoverable.
func maskHash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:16]
}
