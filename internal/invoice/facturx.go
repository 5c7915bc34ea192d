package invoice

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoEmbeddedInvoice is returned when a PDF carries no recognizable
// invoice XML attachment.
var ErrNoEmbeddedInvoice = errors.New("pdf carries no embedded invoice xml")

// facturxNames are the attachment names the Factur-X, ZUGFeRD and XRechnung
// profiles mandate for the embedded XML.
var facturxNames = map[string]bool{
	"factur-x.xml":        true,
	"zugferd-invoice.xml": true,
	"xrechnung.xml":       true,
}

// ExtractFacturX pulls the machine-readable invoice XML out of a PDF/A-3
// container. Attachments under a standard Factur-X name win; otherwise any
// .xml attachment that sniffs as an invoice grammar is accepted.
func ExtractFacturX(raw []byte) ([]byte, error) {
	atts, err := pdfAttachments(raw)
	if err != nil {
		return nil, err
	}
	for _, a := range atts {
		if facturxNames[strings.ToLower(a.name)] {
			return a.data, nil
		}
	}
	for _, a := range atts {
		if !strings.HasSuffix(strings.ToLower(a.name), ".xml") {
			continue
		}
		if f := Sniff(a.data); f == FormatCII || f == FormatUBL {
			return a.data, nil
		}
	}
	return nil, ErrNoEmbeddedInvoice
}

type pdfAttachment struct {
	name string
	data []byte
}

// pdfAttachments lists the embedded files of a PDF, looking at both the
// EmbeddedFiles name tree and the PDF/A-3 AF array.
func pdfAttachments(raw []byte) (atts []pdfAttachment, err error) {
	// The pdf library panics on malformed documents.
	defer func() {
		if r := recover(); r != nil {
			atts, err = nil, fmt.Errorf("read pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	root := r.Trailer().Key("Root")
	seen := make(map[string]bool)
	add := func(treeName string, spec pdf.Value) {
		if spec.Kind() != pdf.Dict {
			return
		}
		name := attachmentName(treeName, spec)
		if name == "" || seen[name] {
			return
		}
		data := attachmentData(spec)
		if len(data) == 0 {
			return
		}
		seen[name] = true
		atts = append(atts, pdfAttachment{name: name, data: data})
	}

	walkNameTree(root.Key("Names").Key("EmbeddedFiles"), add)
	af := root.Key("AF")
	for i := 0; i < af.Len(); i++ {
		add("", af.Index(i))
	}
	return atts, nil
}

// walkNameTree visits every (name, value) pair of a PDF name tree, including
// intermediate Kids nodes.
func walkNameTree(node pdf.Value, fn func(name string, v pdf.Value)) {
	if node.Kind() != pdf.Dict {
		return
	}
	names := node.Key("Names")
	for i := 0; i+1 < names.Len(); i += 2 {
		fn(names.Index(i).Text(), names.Index(i+1))
	}
	kids := node.Key("Kids")
	for i := 0; i < kids.Len(); i++ {
		walkNameTree(kids.Index(i), fn)
	}
}

func attachmentName(treeName string, spec pdf.Value) string {
	if treeName != "" {
		return treeName
	}
	if n := spec.Key("UF").Text(); n != "" {
		return n
	}
	return spec.Key("F").Text()
}

func attachmentData(spec pdf.Value) []byte {
	ef := spec.Key("EF")
	for _, key := range []string{"F", "UF"} {
		stream := ef.Key(key)
		if stream.Kind() != pdf.Stream {
			continue
		}
		data, err := io.ReadAll(stream.Reader())
		if err == nil && len(data) > 0 {
			return data
		}
	}
	return nil
}
