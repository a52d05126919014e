// Package researchsvc is a runnable research service speaking the backend
// contract of POST /api/research. It answers from the compound catalog, so the
// full backend path of the orchestrator can be exercised without external
// data providers.
package researchsvc

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"pharmagent/internal/backend"
	"pharmagent/internal/catalog"
	"pharmagent/internal/domain"
	"pharmagent/internal/logger"
)

// ErrNoDrug is reported when the prompt names no drug.
var ErrNoDrug = errors.New("Could not identify a drug name in your query")

const unknownIndication = "Unknown indication"

// Service runs the research pipeline: master, market, patent, clinical,
// synthesizer.
type Service struct {
	Catalog *catalog.Repository
	Logger  logger.Logger
	Now     func() time.Time
}

func New(cat *catalog.Repository, log logger.Logger) *Service {
	return &Service{Catalog: cat, Logger: log, Now: time.Now}
}

type state struct {
	prompt     string
	drug       string
	indication string
	record     *domain.CompoundRecord
	market     string
	patent     string
	clinical   string
	synthesis  string
	logs       []string
}

func (s *Service) logf(st *state, format string, args ...any) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	st.logs = append(st.logs, fmt.Sprintf("[%s] ", now().Format("15:04:05"))+fmt.Sprintf(format, args...))
}

// Research answers prompt. A prompt naming no drug yields success=false with
// the pipeline logs.
func (s *Service) Research(prompt string) backend.ResearchResponse {
	st := &state{prompt: prompt}
	if err := s.master(st); err != nil {
		if s.Logger != nil {
			s.Logger.Info("researchsvc", "research rejected", map[string]any{"prompt": prompt, "error": err.Error()})
		}
		return backend.ResearchResponse{Success: false, Error: err.Error(), Logs: st.logs}
	}
	s.marketWorker(st)
	s.patentWorker(st)
	s.clinicalWorker(st)
	s.synthesizer(st)
	if s.Logger != nil {
		s.Logger.Info("researchsvc", "research completed", map[string]any{"drug": st.drug, "indexed": st.record != nil})
	}
	return s.response(st)
}

func (s *Service) master(st *state) error {
	s.logf(st, "Master Agent: Analyzing query...")
	if s.Catalog != nil {
		if rec, ok := s.Catalog.Detect(st.prompt); ok {
			st.record = &rec
			st.drug = rec.Name
			st.indication = rec.Indication
		}
	}
	if st.drug == "" {
		st.drug = ExtractDrugName(st.prompt)
		st.indication = unknownIndication
	}
	if st.drug == "" {
		s.logf(st, "Master Agent: ERROR - No drug name detected in query")
		return ErrNoDrug
	}
	s.logf(st, "Master Agent: Detected drug '%s'", st.drug)
	s.logf(st, "Master Agent: Delegating to worker agents...")
	return nil
}

// ExtractDrugName returns the first word that starts with an upper-case
// letter and is longer than three characters.
func ExtractDrugName(prompt string) string {
	for _, w := range strings.Fields(prompt) {
		r := []rune(w)
		if len(r) > 3 && unicode.IsUpper(r[0]) {
			return strings.TrimRightFunc(w, unicode.IsPunct)
		}
	}
	return ""
}

func (s *Service) marketWorker(st *state) {
	s.logf(st, "Market Agent: Searching market data...")
	if st.record == nil {
		st.market = fmt.Sprintf("Market data unavailable: %s is not in the research index", st.drug)
		s.logf(st, "Market Agent: ⚠ No indexed data")
		return
	}
	m := st.record.Market
	st.market = fmt.Sprintf("Market research for %s:\nAddressable market of %s with %s competition, growing at a CAGR of %s. Key players: %s.",
		st.drug, m.Size, strings.ToLower(m.Competition), m.CAGR, strings.Join(m.KeyPlayers, ", "))
	s.logf(st, "Market Agent: ✓ Data retrieved successfully")
}

func (s *Service) patentWorker(st *state) {
	s.logf(st, "Patent Agent: Searching patent data...")
	if st.record == nil {
		st.patent = fmt.Sprintf("Patent data unavailable: %s is not in the research index", st.drug)
		s.logf(st, "Patent Agent: ⚠ No indexed data")
		return
	}
	p := st.record.Patent
	st.patent = fmt.Sprintf("Patent research for %s:\n%s (expiry: %s, freedom to operate: %s). %s",
		st.drug, p.ID, p.Expiry, p.FTO, p.Abstract)
	s.logf(st, "Patent Agent: ✓ Data retrieved successfully")
}

func (s *Service) clinicalWorker(st *state) {
	s.logf(st, "Clinical Agent: Searching clinical trial data...")
	if st.record == nil {
		st.clinical = fmt.Sprintf("Clinical data unavailable: %s is not in the research index", st.drug)
		s.logf(st, "Clinical Agent: ⚠ No indexed data")
		return
	}
	tr := st.record.Trials
	st.clinical = fmt.Sprintf("Clinical trial research for %s:\n%d active %s trials (%s) in %s. %s",
		st.drug, tr.Count, tr.Phase, tr.NCTID, tr.Indication, tr.Details)
	s.logf(st, "Clinical Agent: ✓ Data retrieved successfully")
}

func (s *Service) synthesizer(st *state) {
	s.logf(st, "Synthesizer: Generating strategic report...")
	st.synthesis = fmt.Sprintf(`**Strategic Analysis: %[1]s**

## Market Intelligence
%[2]s

## Patent Landscape
%[3]s

## Clinical Pipeline
%[4]s

## Recommendation
Based on the available data, %[1]s shows potential for repurposing or continued development.
Further due diligence is recommended for specific indications.

---
*Report generated by PharmAgent Multi-Agent System*
`, st.drug, st.market, st.patent, st.clinical)
	s.logf(st, "Synthesizer: ✓ Report complete")
}

func (s *Service) response(st *state) backend.ResearchResponse {
	resp := backend.ResearchResponse{
		Success:    true,
		Drug:       st.drug,
		Indication: st.indication,
		Patent: backend.PatentResult{
			ID: "Not indexed", Expiry: "See summary", FTO: "Requires legal review", Summary: st.patent,
		},
		Trials: backend.TrialsResult{
			Count: backend.Count{Label: "Unknown"}, Phase: "Various phases", Indication: st.indication, Summary: st.clinical,
		},
		Market: backend.MarketResult{
			Size: "See summary", Competition: "Varies by indication", CAGR: "See market analysis", Summary: st.market,
		},
		Synthesis: st.synthesis,
		Logs:      st.logs,
	}
	if rec := st.record; rec != nil {
		resp.Patent.ID, resp.Patent.Expiry, resp.Patent.FTO = rec.Patent.ID, rec.Patent.Expiry, rec.Patent.FTO
		resp.Trials.Count = backend.Count{Value: rec.Trials.Count}
		resp.Trials.Phase = rec.Trials.Phase
		resp.Trials.Indication = rec.Trials.Indication
		resp.Trials.NCTID = rec.Trials.NCTID
		resp.Market.Size, resp.Market.Competition, resp.Market.CAGR = rec.Market.Size, rec.Market.Competition, rec.Market.CAGR
	}
	return resp
}
