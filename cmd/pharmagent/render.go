package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"pharmagent/internal/domain"
	"pharmagent/internal/events"
)

// livePrinter echoes run events to a terminal as they arrive.
type livePrinter struct {
	w io.Writer
}

func (p livePrinter) event(evt events.Event) {
	switch evt.Type {
	case events.TypeLog:
		var entry domain.LogEntry
		if decodePayload(evt.Payload["log"], &entry) != nil {
			return
		}
		fmt.Fprintf(p.w, "%s %s\n", text.FgHiBlack.Sprintf("[%s]", entry.Timestamp), logColor(entry.Category).Sprint(entry.Message))
	case events.TypeStage:
		var st domain.StageTask
		if decodePayload(evt.Payload["stage"], &st) != nil {
			return
		}
		switch st.Status {
		case domain.StageRunning:
			fmt.Fprintf(p.w, "%s %s ...\n", text.FgYellow.Sprint("▶"), st.Name)
		case domain.StageSuccess:
			fmt.Fprintf(p.w, "%s %s: %s\n", text.FgGreen.Sprint("✓"), st.Name, st.Summary)
		}
	case events.TypeStatus:
		if status, _ := evt.Payload["master_status"].(string); status != "" {
			fmt.Fprintf(p.w, "%s %s\n", text.Bold.Sprint("Master Agent:"), status)
		}
	case events.TypeMessage:
		var m domain.Message
		if decodePayload(evt.Payload["message"], &m) != nil {
			return
		}
		if m.Role == domain.RoleSystem {
			fmt.Fprintln(p.w, text.FgCyan.Sprint(m.Content))
		}
	}
}

func logColor(c domain.LogCategory) text.Colors {
	switch c {
	case domain.LogSuccess:
		return text.Colors{text.FgGreen}
	case domain.LogRequest:
		return text.Colors{text.FgBlue}
	case domain.LogProcess:
		return text.Colors{text.FgMagenta}
	case domain.LogError:
		return text.Colors{text.FgRed}
	default:
		return text.Colors{}
	}
}

func decodePayload(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// renderResult prints the stage table and the final agent answer.
func renderResult(w io.Writer, snap domain.Snapshot) {
	if len(snap.Stages) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Agent", "Status", "Summary"})
		for _, st := range snap.Stages {
			tw.AppendRow(table.Row{st.Name, st.Status, st.Summary})
		}
		tw.Render()
	}
	if m, ok := finalAnswer(snap); ok {
		fmt.Fprintln(w, renderMarkdown(m.Content))
	}
	fmt.Fprintf(w, "Outcome: %s\n", snap.LastOutcome)
}

// finalAnswer is the last agent message of the transcript.
func finalAnswer(snap domain.Snapshot) (domain.Message, bool) {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == domain.RoleAgent {
			return snap.Messages[i], true
		}
	}
	return domain.Message{}, false
}

func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func printCompounds(w io.Writer, items []domain.CompoundRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Key", "Name", "Indication", "Patent Expiry", "Trials", "Market"})
	for _, rec := range items {
		tw.AppendRow(table.Row{
			rec.Key, rec.Name, rec.Indication, rec.Patent.Expiry,
			fmt.Sprintf("%d (%s)", rec.Trials.Count, rec.Trials.Phase), rec.Market.Size,
		})
	}
	tw.Render()
}
