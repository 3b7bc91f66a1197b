package receipt

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

// Document is a layout-neutral view of a receipt. Renderers only read it.
type Document struct {
	Title    string         `json:"title"`
	Header   []Row          `json:"header"`
	Lines    []DocumentLine `json:"lines"`
	Totals   []Row          `json:"totals"`
	Payments []Row          `json:"payments"`
	Footer   []string       `json:"footer"`
}

type DocumentLine struct {
	Description string `json:"description"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
}

type Row struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

var tenderLabels = map[string]string{
	domain.TenderCash:    "Tunai",
	domain.TenderCard:    "Kartu",
	domain.TenderQRIS:    "QRIS",
	domain.TenderEWallet: "E-Wallet",
}

func (g *Generator) Format(r domain.Receipt) Document {
	doc := Document{
		Title: g.cfg.StoreName,
		Header: []Row{
			{Label: "No", Value: r.Number},
			{Label: "Store", Value: r.StoreID},
			{Label: "Terminal", Value: r.TerminalID},
			{Label: "Kasir", Value: r.Operator},
			{Label: "Date", Value: r.IssuedAt.UTC().Format(time.DateTime)},
		},
		Footer: append([]string(nil), g.cfg.Footer...),
	}

	for _, line := range r.Lines {
		doc.Lines = append(doc.Lines, DocumentLine{
			Description: line.Name,
			SKU:         line.SKU,
			Quantity:    line.Quantity,
			UnitPrice:   money(line.UnitPrice),
			Amount:      money(line.Subtotal),
		})
	}

	doc.Totals = append(doc.Totals, Row{Label: "Subtotal", Value: money(r.Subtotal)})
	if !r.TaxRate.IsZero() {
		doc.Totals = append(doc.Totals, Row{
			Label: fmt.Sprintf("Pajak %s%% (incl.)", r.TaxRate.String()),
			Value: money(r.Tax),
		})
	}
	doc.Totals = append(doc.Totals, Row{Label: "Total", Value: money(r.Total)})

	for _, tender := range r.Tenders {
		label, ok := tenderLabels[tender.Method]
		if !ok {
			label = tender.Method
		}
		if tender.Reference != "" {
			label += " (" + tender.Reference + ")"
		}
		doc.Payments = append(doc.Payments, Row{Label: label, Value: money(tender.Amount)})
	}
	if r.CashReceived != nil {
		doc.Payments = append(doc.Payments,
			Row{Label: "Bayar", Value: money(*r.CashReceived)},
			Row{Label: "Kembali", Value: money(r.Change)},
		)
	}
	return doc
}

// RenderText lays the document out for a fixed-width printer or preview.
func RenderText(doc Document, width int) string {
	if width < 24 {
		width = 32
	}
	heavy := strings.Repeat("=", width)
	light := strings.Repeat("-", width)

	var out []string
	out = append(out, center(doc.Title, width), heavy)
	for _, row := range doc.Header {
		out = append(out, row.Label+": "+row.Value)
	}
	out = append(out, light)
	for _, line := range doc.Lines {
		out = append(out, line.Description)
		out = append(out, columns(fmt.Sprintf("  %d x %s", line.Quantity, line.UnitPrice), line.Amount, width))
	}
	out = append(out, light)
	for _, row := range doc.Totals {
		out = append(out, columns(row.Label, row.Value, width))
	}
	if len(doc.Payments) > 0 {
		out = append(out, light)
		for _, row := range doc.Payments {
			out = append(out, columns(row.Label, row.Value, width))
		}
	}
	out = append(out, heavy)
	for _, line := range doc.Footer {
		out = append(out, center(line, width))
	}
	out = append(out, "")
	return strings.Join(out, "\n")
}

var (
	escposInit = []byte{0x1b, 0x40}
	escposCut  = []byte{0x1d, 0x56, 0x41, 0x10}
)

// RenderESCPOS produces the byte stream for thermal printers: initialize,
// the text layout, then a partial cut.
func RenderESCPOS(doc Document, width int) []byte {
	var buf bytes.Buffer
	buf.Write(escposInit)
	buf.WriteString(RenderText(doc, width))
	buf.Write(escposCut)
	return buf.Bytes()
}

func money(v decimal.Decimal) string {
	return v.StringFixed(2)
}

func columns(left string, right string, width int) string {
	gap := width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func center(text string, width int) string {
	pad := (width - len(text)) / 2
	if pad <= 0 {
		return text
	}
	return strings.Repeat(" ", pad) + text
}
