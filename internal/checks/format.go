package checks

import (
	"context"
	"fmt"

	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/invoice"
)

// FormatDetection sniffs the submitted document, unwraps PDF containers, and
// parses the invoice into the shared document model for downstream filters.
type FormatDetection struct{}

func NewFormatDetection() *FormatDetection { return &FormatDetection{} }

func (f *FormatDetection) ID() string      { return "format-detection" }
func (f *FormatDetection) Name() string    { return "Format Detection" }
func (f *FormatDetection) Version() string { return "1.0.0" }

func (f *FormatDetection) Execute(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
	raw := rc.RawDocument()
	if len(raw) == 0 {
		return filter.Failed(f.ID(),
			diag("format.empty", "no document submitted", filter.SeverityError, "")), nil
	}

	detected := invoice.Sniff(raw)
	payload := raw
	container := ""

	if detected == invoice.FormatPDF {
		xmlData, err := invoice.ExtractFacturX(raw)
		if err != nil {
			return filter.Failed(f.ID(),
				diag("format.pdf-extract", fmt.Sprintf("no invoice xml in pdf: %v", err), filter.SeverityError, "")), nil
		}
		container = "pdf"
		payload = xmlData
		switch invoice.Sniff(xmlData) {
		case invoice.FormatCII:
			detected = invoice.FormatFacturX
		case invoice.FormatUBL:
			detected = invoice.FormatUBL
		default:
			return filter.Failed(f.ID(),
				diag("format.pdf-embedded", "embedded xml is not a known invoice grammar", filter.SeverityError, "")), nil
		}
	}

	if detected == invoice.FormatUnknown {
		return filter.Failed(f.ID(),
			diag("format.unknown", "document matches no supported invoice format", filter.SeverityError, "")), nil
	}

	if allowed := configStrings(rc.ConfigFor(f.ID()), "allowedFormats"); len(allowed) > 0 && !formatAllowed(allowed, detected) {
		return filter.Failed(f.ID(),
			diag("format.not-allowed", fmt.Sprintf("format %s is not accepted by this plan", detected), filter.SeverityError, "")), nil
	}

	doc, err := invoice.Parse(payload, detected)
	if err != nil {
		return filter.Failed(f.ID(),
			diag("format.parse", fmt.Sprintf("document does not parse as %s: %v", detected, err), filter.SeverityError, "")), nil
	}

	res := filter.Passed(f.ID())
	res.Metadata = map[string]any{
		"format":                  string(doc.Format),
		"lineCount":               doc.LineCount,
		filter.MetaParsedDocument: doc,
	}
	if container != "" {
		res.Metadata["container"] = container
	}
	return res, nil
}

func formatAllowed(allowed []string, f invoice.Format) bool {
	for _, a := range allowed {
		if a == string(f) {
			return true
		}
	}
	return false
}
