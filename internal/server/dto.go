package server

import (
	"pharmagent/internal/domain"
)

// Request payloads

type SubmitMessageRequest struct {
	Query string `json:"query" minLength:"1" doc:"Research question naming a compound"`
	Wait  bool   `json:"wait,omitempty" doc:"Block until the run reaches a terminal phase"`
}

// Response payloads

type HealthResponse struct {
	Status   string `json:"status" example:"ok"`
	Sessions int    `json:"sessions"`
}

type CompoundSummary struct {
	Key        string `json:"key" example:"aspirin"`
	Name       string `json:"name" example:"Aspirin"`
	Indication string `json:"indication"`
}

type CompoundList struct {
	Items []CompoundSummary `json:"items"`
}

type SubmitMessageResponse struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Outcome  domain.Outcome  `json:"outcome,omitempty"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

// Stream event payloads. Each SSE event name is bound to one of these types.

type snapshotEvent domain.Snapshot

type statusEvent struct {
	Phase        domain.Phase `json:"phase"`
	MasterStatus string       `json:"master_status"`
	Processing   bool         `json:"processing"`
	TS           string       `json:"ts"`
}

type stageEvent struct {
	Stage domain.StageTask `json:"stage"`
	TS    string           `json:"ts"`
}

type messageEvent struct {
	Message domain.Message `json:"message"`
	TS      string         `json:"ts"`
}

type logEvent struct {
	Log domain.LogEntry `json:"log"`
	TS  string          `json:"ts"`
}

type runEvent struct {
	Outcome    domain.Outcome `json:"outcome"`
	Phase      domain.Phase   `json:"phase"`
	Processing bool           `json:"processing"`
	Error      string         `json:"error,omitempty"`
	TS         string         `json:"ts"`
}

type streamErrorEvent apiErrorBody

func mapCompounds(items []domain.CompoundRecord) CompoundList {
	out := CompoundList{Items: make([]CompoundSummary, 0, len(items))}
	for _, rec := range items {
		out.Items = append(out.Items, CompoundSummary{Key: rec.Key, Name: rec.Name, Indication: rec.Indication})
	}
	return out
}
