package backend

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"pharmagent/internal/domain"
)

// ResearchRequest is the body of POST /api/research.
type ResearchRequest struct {
	Prompt string `json:"prompt"`
}

type PatentResult struct {
	ID      string `json:"id"`
	Expiry  string `json:"expiry"`
	FTO     string `json:"fto"`
	Summary string `json:"summary"`
}

type TrialsResult struct {
	Count      Count  `json:"count"`
	Phase      string `json:"phase"`
	Indication string `json:"indication"`
	NCTID      string `json:"nctId,omitempty"`
	Summary    string `json:"summary"`
}

type MarketResult struct {
	Size        string `json:"size"`
	Competition string `json:"competition"`
	CAGR        string `json:"cagr"`
	Summary     string `json:"summary,omitempty"`
}

// ResearchResponse is the research service's reply.
type ResearchResponse struct {
	Success    bool         `json:"success"`
	Error      string       `json:"error,omitempty"`
	Drug       string       `json:"drug,omitempty"`
	Indication string       `json:"indication,omitempty"`
	Patent     PatentResult `json:"patent"`
	Trials     TrialsResult `json:"trials"`
	Market     MarketResult `json:"market"`
	Synthesis  string       `json:"synthesis"`
	Logs       []string     `json:"logs,omitempty"`
}

// Count is a trial count sent either as a number or as free text such as
// "Multiple trials found". Text that is not a number counts as zero.
type Count struct {
	Value int
	Label string
}

func (c *Count) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = Count{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 0 || n > maxCount {
			*c = Count{Label: s}
			return nil
		}
		*c = Count{Value: n}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f < 0 || f > maxCount {
		*c = Count{Label: string(data)}
		return nil
	}
	*c = Count{Value: int(f)}
	return nil
}

// maxCount bounds numeric counts; anything outside [0, maxCount] is kept
// as a label.
const maxCount = math.MaxInt32

func (c Count) MarshalJSON() ([]byte, error) {
	if c.Label != "" {
		return json.Marshal(c.Label)
	}
	return json.Marshal(c.Value)
}

// missing reports the first required part absent from a success response.
func (r ResearchResponse) missing() string {
	switch {
	case strings.TrimSpace(r.Synthesis) == "":
		return "synthesis"
	case strings.TrimSpace(r.Patent.Summary) == "":
		return "patent.summary"
	case strings.TrimSpace(r.Trials.Summary) == "":
		return "trials.summary"
	}
	return ""
}

// MarketSummary is the market narrative, derived from the figures when the
// service sends none.
func (r ResearchResponse) MarketSummary() string {
	if s := strings.TrimSpace(r.Market.Summary); s != "" {
		return s
	}
	return "Market Size: " + r.Market.Size + ". Competition Level: " + r.Market.Competition + "."
}

// Record converts a successful response into a compound record suitable for
// report generation.
func (r ResearchResponse) Record() domain.CompoundRecord {
	nctID := r.Trials.NCTID
	if nctID == "" {
		nctID = "N/A"
	}
	return domain.CompoundRecord{
		Name:       r.Drug,
		Indication: r.Indication,
		Patent: domain.Patent{
			ID:       r.Patent.ID,
			Expiry:   r.Patent.Expiry,
			FTO:      r.Patent.FTO,
			Abstract: r.Patent.Summary,
		},
		Trials: domain.Trials{
			Count:      r.Trials.Count.Value,
			Phase:      r.Trials.Phase,
			Indication: r.Trials.Indication,
			NCTID:      nctID,
			Details:    r.Trials.Summary,
		},
		Market: domain.Market{
			Size:        r.Market.Size,
			Competition: r.Market.Competition,
			CAGR:        r.Market.CAGR,
			KeyPlayers:  []string{},
		},
		Synthesis: r.Synthesis,
	}
}
