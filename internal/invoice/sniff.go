package invoice

import (
	"bytes"
	"encoding/xml"
	"io"

	"golang.org/x/net/html/charset"
)

var (
	pdfMagic = []byte("%PDF-")
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
)

// Sniff inspects raw document bytes and reports the invoice format. XML
// documents are classified by their root element; PDFs are reported as plain
// PDF here, the format filter upgrades them to Factur-X when an embedded
// CII attachment is found.
func Sniff(raw []byte) Format {
	trimmed := bytes.TrimPrefix(raw, utf8BOM)
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, pdfMagic):
		return FormatPDF
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		return FormatJSON
	case len(trimmed) > 0 && trimmed[0] == '<':
		return sniffXML(raw)
	default:
		return FormatUnknown
	}
}

// sniffXML scans for the first start element, honoring declared charsets.
func sniffXML(raw []byte) Format {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return FormatUnknown
		}
		if err != nil {
			return FormatUnknown
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Invoice", "CreditNote":
			return FormatUBL
		case "CrossIndustryInvoice":
			return FormatCII
		default:
			return FormatUnknown
		}
	}
}
