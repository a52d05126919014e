package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"pharmagent/internal/backend"
	"pharmagent/internal/domain"
)

const summaryLimit = 200

type stageMeta struct {
	name string
	icon string
}

var stageInfo = map[domain.StageID]stageMeta{
	domain.StagePatents: {name: "Patent Agent", icon: "scroll"},
	domain.StageTrials:  {name: "Clinical Trials Agent", icon: "flask"},
	domain.StageMarket:  {name: "Market Data Agent", icon: "chart"},
}

func newStage(id domain.StageID, summary, detail string, payload map[string]any) domain.StageTask {
	meta := stageInfo[id]
	return domain.StageTask{
		ID:      id,
		Name:    meta.name,
		Icon:    meta.icon,
		Status:  domain.StagePending,
		Summary: summary,
		Detail:  detail,
		Payload: payload,
	}
}

// LocalStages builds the three stage cards from a catalog record.
func LocalStages(rec domain.CompoundRecord) []domain.StageTask {
	enrollment := 1200
	switch rec.Trials.Count {
	case 2:
		enrollment = 420
	case 5:
		enrollment = 3000
	}
	return ordered(map[domain.StageID]domain.StageTask{
		domain.StagePatents: newStage(domain.StagePatents,
			fmt.Sprintf("%s. Expiry: %s. Freedom to Operate: %s.", rec.Patent.ID, rec.Patent.Expiry, rec.Patent.FTO),
			rec.Patent.Abstract,
			map[string]any{
				"patent_id":          rec.Patent.ID,
				"expiry_date":        rec.Patent.Expiry,
				"freedom_to_operate": rec.Patent.FTO,
				"jurisdiction":       "US",
				"status":             "granted",
				"claims_count":       24,
				"api_source":         "USPTO PatentsView API v2.1",
			}),
		domain.StageTrials: newStage(domain.StageTrials,
			fmt.Sprintf("Found %d Active %s Trials. Indication: %s.", rec.Trials.Count, rec.Trials.Phase, rec.Trials.Indication),
			rec.Trials.Details,
			map[string]any{
				"nct_id":           rec.Trials.NCTID,
				"phase":            rec.Trials.Phase,
				"status":           "recruiting",
				"indication":       rec.Trials.Indication,
				"enrollment":       enrollment,
				"primary_endpoint": "Overall Survival",
				"api_source":       "ClinicalTrials.gov API v2",
			}),
		domain.StageMarket: newStage(domain.StageMarket,
			fmt.Sprintf("Market Size: %s. Competition Level: %s.", rec.Market.Size, rec.Market.Competition),
			fmt.Sprintf("Market analysis indicates a %s opportunity with %s competition. Key market players include %s. The compound annual growth rate (CAGR) is projected at %s through 2030.",
				rec.Market.Size, strings.ToLower(rec.Market.Competition), strings.Join(rec.Market.KeyPlayers, ", "), rec.Market.CAGR),
			map[string]any{
				"market_size_usd":   rec.Market.Size,
				"competition_level": rec.Market.Competition,
				"cagr":              rec.Market.CAGR,
				"key_players":       append([]string(nil), rec.Market.KeyPlayers...),
				"forecast_period":   "2024-2030",
				"data_source":       "GlobalData Pharma Intelligence",
			}),
	})
}

// BackendStages builds the stage cards from a research service response.
func BackendStages(resp backend.ResearchResponse) []domain.StageTask {
	market := resp.MarketSummary()
	return ordered(map[domain.StageID]domain.StageTask{
		domain.StagePatents: newStage(domain.StagePatents, preview(resp.Patent.Summary), resp.Patent.Summary, payloadOf(resp.Patent)),
		domain.StageTrials:  newStage(domain.StageTrials, preview(resp.Trials.Summary), resp.Trials.Summary, payloadOf(resp.Trials)),
		domain.StageMarket:  newStage(domain.StageMarket, preview(market), market, payloadOf(resp.Market)),
	})
}

// ordered lays the cards out in execution order.
func ordered(cards map[domain.StageID]domain.StageTask) []domain.StageTask {
	out := make([]domain.StageTask, 0, len(domain.StageOrder))
	for _, id := range domain.StageOrder {
		if card, ok := cards[id]; ok {
			out = append(out, card)
		}
	}
	return out
}

// preview keeps the first 200 characters and always marks the cut.
func preview(s string) string {
	r := []rune(s)
	if len(r) > summaryLimit {
		r = r[:summaryLimit]
	}
	return string(r) + "..."
}

func payloadOf(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
