package report

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"pharmagent/internal/domain"
)

const (
	Title  = "PharmAgent Strategy Report"
	Footer = "PharmAgent AI R&D Co-pilot | Confidential Strategy Document"

	SectionPatent         = "PATENT ANALYSIS"
	SectionTrials         = "CLINICAL TRIALS"
	SectionMarket         = "MARKET ANALYSIS"
	SectionRecommendation = "STRATEGIC RECOMMENDATION"

	generatedLayout = "January 2, 2006 at 03:04 PM"
)

type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Section is a labelled block. Recommendation text goes in Lines, one entry
// per source line.
type Section struct {
	Title  string   `json:"title"`
	Fields []Field  `json:"fields,omitempty"`
	Lines  []string `json:"lines,omitempty"`
}

// Document is the renderer-independent report layout.
type Document struct {
	Title       string    `json:"title"`
	Generated   string    `json:"generated"`
	GeneratedAt time.Time `json:"generated_at"`
	Heading     string    `json:"heading"`
	Indication  Field     `json:"indication"`
	Sections    []Section `json:"sections"`
	Footer      string    `json:"footer"`
	Filename    string    `json:"filename"`
}

// Format lays out rec. The result depends only on rec and generatedAt.
func Format(rec domain.CompoundRecord, generatedAt time.Time) Document {
	return Document{
		Title:       Title,
		Generated:   "Generated: " + generatedAt.Format(generatedLayout),
		GeneratedAt: generatedAt,
		Heading:     "Drug Analysis: " + rec.Name,
		Indication:  Field{Label: "Target Indication", Value: rec.Indication},
		Sections: []Section{
			{Title: SectionPatent, Fields: []Field{
				{Label: "Patent ID", Value: rec.Patent.ID},
				{Label: "Expiry", Value: rec.Patent.Expiry},
				{Label: "FTO Status", Value: rec.Patent.FTO},
			}},
			{Title: SectionTrials, Fields: []Field{
				{Label: "Active Trials", Value: fmt.Sprintf("%d (%s)", rec.Trials.Count, rec.Trials.Phase)},
				{Label: "NCT ID", Value: rec.Trials.NCTID},
				{Label: "Indication", Value: rec.Trials.Indication},
			}},
			{Title: SectionMarket, Fields: []Field{
				{Label: "Market Size", Value: rec.Market.Size},
				{Label: "Competition", Value: rec.Market.Competition},
				{Label: "CAGR", Value: rec.Market.CAGR},
				{Label: "Key Players", Value: strings.Join(rec.Market.KeyPlayers, ", ")},
			}},
			{Title: SectionRecommendation, Lines: strings.Split(CleanSynthesis(rec.Synthesis), "\n")},
		},
		Footer:   Footer,
		Filename: Filename(rec.Name, generatedAt, "pdf"),
	}
}

var (
	bulletMarker  = regexp.MustCompile(`(?m)^- `)
	headingMarker = regexp.MustCompile(`(?m)^#+ `)
)

// CleanSynthesis strips markdown: bold markers go, line-leading "- " becomes
// a bullet glyph and heading markers are dropped.
func CleanSynthesis(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = bulletMarker.ReplaceAllString(s, "• ")
	return headingMarker.ReplaceAllString(s, "")
}

// Filename names a report file, e.g. PharmAgent_Aspirin_Report_2024-05-01.pdf.
func Filename(name string, at time.Time, ext string) string {
	return fmt.Sprintf("PharmAgent_%s_Report_%s.%s", name, at.UTC().Format("2006-01-02"), ext)
}
