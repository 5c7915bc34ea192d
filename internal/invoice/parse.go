package invoice

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// ErrUnsupportedFormat is returned when no parser exists for the format.
var ErrUnsupportedFormat = errors.New("unsupported invoice format")

// Parse extracts the format-independent document model from raw bytes.
// Factur-X callers must pass the extracted XML attachment, not the PDF.
func Parse(raw []byte, f Format) (Document, error) {
	switch f {
	case FormatUBL:
		return parseUBL(raw)
	case FormatCII, FormatFacturX:
		d, err := parseCII(raw)
		if err == nil {
			d.Format = f
		}
		return d, err
	case FormatJSON:
		return parseJSON(raw)
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

type ublParty struct {
	Name    string `xml:"PartyName>Name"`
	VATID   string `xml:"PartyTaxScheme>CompanyID"`
	Country string `xml:"PostalAddress>Country>IdentificationCode"`
}

type ublInvoice struct {
	ID                   string   `xml:"ID"`
	IssueDate            string   `xml:"IssueDate"`
	DocumentCurrencyCode string   `xml:"DocumentCurrencyCode"`
	Supplier             ublParty `xml:"AccountingSupplierParty>Party"`
	Buyer                ublParty `xml:"AccountingCustomerParty>Party"`
	TaxAmount            string   `xml:"TaxTotal>TaxAmount"`
	TaxExclusiveAmount   string   `xml:"LegalMonetaryTotal>TaxExclusiveAmount"`
	TaxInclusiveAmount   string   `xml:"LegalMonetaryTotal>TaxInclusiveAmount"`
	Lines                []struct{} `xml:"InvoiceLine"`
}

func parseUBL(raw []byte) (Document, error) {
	var inv ublInvoice
	if err := decodeXML(raw, &inv); err != nil {
		return Document{}, fmt.Errorf("parse ubl: %w", err)
	}
	d := Document{
		Format:    FormatUBL,
		Number:    strings.TrimSpace(inv.ID),
		Currency:  strings.TrimSpace(inv.DocumentCurrencyCode),
		Supplier:  Party{Name: inv.Supplier.Name, VATID: inv.Supplier.VATID, Country: inv.Supplier.Country},
		Buyer:     Party{Name: inv.Buyer.Name, VATID: inv.Buyer.VATID, Country: inv.Buyer.Country},
		LineCount: len(inv.Lines),
	}
	d.IssueDate, _ = time.Parse("2006-01-02", strings.TrimSpace(inv.IssueDate))
	d.TotalNet = parseAmount(inv.TaxExclusiveAmount)
	d.TotalTax = parseAmount(inv.TaxAmount)
	d.TotalGross = parseAmount(inv.TaxInclusiveAmount)
	d.Fields = buildFields(d)
	return d, nil
}

type ciiParty struct {
	Name    string `xml:"Name"`
	VATID   string `xml:"SpecifiedTaxRegistration>ID"`
	Country string `xml:"PostalTradeAddress>CountryID"`
}

type ciiInvoice struct {
	Document struct {
		ID            string `xml:"ID"`
		IssueDateTime struct {
			DateTimeString string `xml:"DateTimeString"`
		} `xml:"IssueDateTime"`
	} `xml:"ExchangedDocument"`
	Transaction struct {
		Agreement struct {
			Seller ciiParty `xml:"SellerTradeParty"`
			Buyer  ciiParty `xml:"BuyerTradeParty"`
		} `xml:"ApplicableHeaderTradeAgreement"`
		Settlement struct {
			Currency  string `xml:"InvoiceCurrencyCode"`
			Summation struct {
				TaxBasisTotalAmount string `xml:"TaxBasisTotalAmount"`
				TaxTotalAmount      string `xml:"TaxTotalAmount"`
				GrandTotalAmount    string `xml:"GrandTotalAmount"`
			} `xml:"SpecifiedTradeSettlementHeaderMonetarySummation"`
		} `xml:"ApplicableHeaderTradeSettlement"`
		Lines []struct{} `xml:"IncludedSupplyChainTradeLineItem"`
	} `xml:"SupplyChainTradeTransaction"`
}

func parseCII(raw []byte) (Document, error) {
	var inv ciiInvoice
	if err := decodeXML(raw, &inv); err != nil {
		return Document{}, fmt.Errorf("parse cii: %w", err)
	}
	sum := inv.Transaction.Settlement.Summation
	d := Document{
		Format:    FormatCII,
		Number:    strings.TrimSpace(inv.Document.ID),
		Currency:  strings.TrimSpace(inv.Transaction.Settlement.Currency),
		Supplier:  Party{Name: inv.Transaction.Agreement.Seller.Name, VATID: inv.Transaction.Agreement.Seller.VATID, Country: inv.Transaction.Agreement.Seller.Country},
		Buyer:     Party{Name: inv.Transaction.Agreement.Buyer.Name, VATID: inv.Transaction.Agreement.Buyer.VATID, Country: inv.Transaction.Agreement.Buyer.Country},
		LineCount: len(inv.Transaction.Lines),
	}
	// Format code 102: calendar date as YYYYMMDD.
	d.IssueDate, _ = time.Parse("20060102", strings.TrimSpace(inv.Document.IssueDateTime.DateTimeString))
	d.TotalNet = parseAmount(sum.TaxBasisTotalAmount)
	d.TotalTax = parseAmount(sum.TaxTotalAmount)
	d.TotalGross = parseAmount(sum.GrandTotalAmount)
	d.Fields = buildFields(d)
	return d, nil
}

type jsonInvoice struct {
	InvoiceNumber string  `json:"invoiceNumber"`
	IssueDate     string  `json:"issueDate"`
	Currency      string  `json:"currency"`
	Supplier      Party   `json:"supplier"`
	Buyer         Party   `json:"buyer"`
	TotalNet      float64 `json:"totalNet"`
	TotalTax      float64 `json:"totalTax"`
	TotalGross    float64 `json:"totalGross"`
	Lines         []any   `json:"lines"`
}

func parseJSON(raw []byte) (Document, error) {
	var inv jsonInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return Document{}, fmt.Errorf("parse json invoice: %w", err)
	}
	d := Document{
		Format:     FormatJSON,
		Number:     inv.InvoiceNumber,
		Currency:   inv.Currency,
		Supplier:   inv.Supplier,
		Buyer:      inv.Buyer,
		TotalNet:   inv.TotalNet,
		TotalTax:   inv.TotalTax,
		TotalGross: inv.TotalGross,
		LineCount:  len(inv.Lines),
	}
	d.IssueDate, _ = time.Parse("2006-01-02", inv.IssueDate)
	d.Fields = buildFields(d)
	return d, nil
}

// decodeXML unmarshals with charset support so latin-1 declarations and
// friends decode instead of erroring.
func decodeXML(raw []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel
	return dec.Decode(v)
}

func parseAmount(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// buildFields mirrors the typed document into a path-addressable tree.
func buildFields(d Document) map[string]any {
	fields := map[string]any{
		"format":     string(d.Format),
		"number":     d.Number,
		"currency":   d.Currency,
		"totalNet":   d.TotalNet,
		"totalTax":   d.TotalTax,
		"totalGross": d.TotalGross,
		"lineCount":  d.LineCount,
		"supplier":   partyFields(d.Supplier),
		"buyer":      partyFields(d.Buyer),
	}
	if !d.IssueDate.IsZero() {
		fields["issueDate"] = d.IssueDate.Format("2006-01-02")
	}
	return fields
}

func partyFields(p Party) map[string]any {
	m := map[string]any{}
	if p.Name != "" {
		m["name"] = p.Name
	}
	if p.VATID != "" {
		m["vatId"] = p.VATID
	}
	if p.Country != "" {
		m["country"] = p.Country
	}
	return m
}
