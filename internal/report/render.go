package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
)

const (
	FormatPDF  = "pdf"
	FormatText = "text"
)

// ContentType returns the MIME type for a render format.
func ContentType(format string) string {
	if format == FormatText {
		return "text/plain; charset=utf-8"
	}
	return "application/pdf"
}

// Render writes doc in the given format.
func Render(doc Document, format string, w io.Writer) error {
	switch format {
	case FormatPDF, "":
		return RenderPDF(doc, w)
	case FormatText:
		return RenderText(doc, w)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

// RenderText writes a plain-text rendition.
func RenderText(doc Document, w io.Writer) error {
	var b strings.Builder
	b.WriteString(doc.Title + "\n")
	b.WriteString(doc.Generated + "\n\n")
	b.WriteString(doc.Heading + "\n")
	fmt.Fprintf(&b, "%s: %s\n", doc.Indication.Label, doc.Indication.Value)
	for _, sec := range doc.Sections {
		fmt.Fprintf(&b, "\n== %s ==\n", sec.Title)
		for _, f := range sec.Fields {
			fmt.Fprintf(&b, "%s: %s\n", f.Label, f.Value)
		}
		for _, line := range sec.Lines {
			b.WriteString(line + "\n")
		}
	}
	fmt.Fprintf(&b, "\n%s | Page 1 of 1\n", doc.Footer)
	_, err := io.WriteString(w, b.String())
	return err
}

// Page geometry in millimetres.
const (
	margin      = 20.0
	footerBand  = 20.0
	headerBand  = 40.0
	sectionBar  = 8.0
	fieldIndent = 35.0
)

var (
	brandBlue = [3]int{0, 94, 184}
	slate     = [3]int{30, 41, 59}
	lightFill = [3]int{240, 249, 255}
	muted     = [3]int{100, 116, 139}
)

// RenderPDF draws doc on A4 pages. Long recommendations continue on further
// pages. The PDF creation date is pinned to doc.GeneratedAt so equal
// documents produce equal bytes.
func RenderPDF(doc Document, w io.Writer) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(doc.GeneratedAt)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("pharmagent", true)
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, footerBand+5)
	pdf.AliasNbPages("")
	tr := pdfText(pdf.UnicodeTranslatorFromDescriptor(""))
	pageW, pageH := pdf.GetPageSize()
	contentW := pageW - 2*margin

	pdf.SetFooterFunc(func() {
		pdf.SetFillColor(lightFill[0], lightFill[1], lightFill[2])
		pdf.Rect(0, pageH-footerBand, pageW, footerBand, "F")
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(muted[0], muted[1], muted[2])
		pdf.Text(margin, pageH-10, tr(doc.Footer))
		pdf.Text(pageW-margin-20, pageH-10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()))
	})
	pdf.AddPage()

	// Header band.
	pdf.SetFillColor(brandBlue[0], brandBlue[1], brandBlue[2])
	pdf.Rect(0, 0, pageW, headerBand, "F")
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 24)
	pdf.Text(margin, 25, tr(doc.Title))
	pdf.SetFont("Helvetica", "", 10)
	pdf.Text(margin, 35, tr(doc.Generated))

	pdf.SetTextColor(slate[0], slate[1], slate[2])
	y := 55.0
	pdf.SetFillColor(lightFill[0], lightFill[1], lightFill[2])
	pdf.Rect(margin, y-5, contentW, 20, "F")
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Text(margin+5, y+8, tr(doc.Heading))
	y += 25

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(margin, y, tr(doc.Indication.Label+":"))
	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(margin+45, y, tr(doc.Indication.Value))
	pdf.SetY(y + 8)

	for _, sec := range doc.Sections {
		pdf.SetFillColor(brandBlue[0], brandBlue[1], brandBlue[2])
		pdf.SetTextColor(255, 255, 255)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(contentW, sectionBar, tr("  "+sec.Title), "", 1, "L", true, 0, "")
		pdf.Ln(4)
		pdf.SetTextColor(slate[0], slate[1], slate[2])
		pdf.SetFont("Helvetica", "", 10)
		for _, f := range sec.Fields {
			pdf.SetFont("Helvetica", "B", 10)
			pdf.CellFormat(fieldIndent, 7, tr(f.Label+":"), "", 0, "L", false, 0, "")
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(contentW-fieldIndent, 7, tr(f.Value), "", "L", false)
		}
		if len(sec.Lines) > 0 {
			pdf.MultiCell(contentW, 5, tr(strings.Join(sec.Lines, "\n")), "", "L", false)
		}
		pdf.Ln(5)
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return pdf.Output(w)
}

// pdfText encodes s for the cp1252 core fonts. Runes outside cp1252 become
// "?" so the gap stays visible; the text format keeps them.
func pdfText(tr func(string) string) func(string) string {
	return func(s string) string {
		var b strings.Builder
		for _, r := range s {
			if r < 0x80 {
				b.WriteRune(r)
				continue
			}
			out := tr(string(r))
			if out == "" || out == "." {
				out = "?"
			}
			b.WriteString(out)
		}
		return b.String()
	}
}
