package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"pharmagent/internal/catalog"
	"pharmagent/internal/domain"
	"pharmagent/internal/engine"
	"pharmagent/internal/events"
	"pharmagent/internal/report"
	"pharmagent/internal/session"
)

type sessionPath struct {
	SessionID string `path:"session_id"`
}

type snapshotOutput struct {
	Body domain.Snapshot `json:"body"`
}

// reportOutput carries a rendered document as an attachment.
type reportOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func registerCompounds(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-compounds",
		Method:      http.MethodGet,
		Path:        "/compounds",
		Summary:     "List known compounds in detection order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CompoundList `json:"body"`
	}, error) {
		return &struct {
			Body CompoundList `json:"body"`
		}{Body: mapCompounds(cfg.catalog().All())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-compound",
		Method:      http.MethodGet,
		Path:        "/compounds/{key}",
		Summary:     "Get compound research record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.CompoundRecord `json:"body"`
	}, error) {
		rec, ok := cfg.catalog().Get(input.Key)
		if !ok {
			return nil, handleError(fmt.Errorf("%w: %s", catalog.ErrUnknown, input.Key))
		}
		return &struct {
			Body domain.CompoundRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*snapshotOutput, error) {
		sess := cfg.Sessions.Create()
		cfg.Logger.Info("server", "session created", map[string]any{"session_id": sess.ID()})
		return &snapshotOutput{Body: sess.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*snapshotOutput, error) {
		sess, err := cfg.Sessions.Get(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &snapshotOutput{Body: sess.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Delete session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		if err := cfg.Sessions.Delete(input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/reset",
		Summary:     "Discard stages, messages and logs",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *sessionPath) (*snapshotOutput, error) {
		sess, err := cfg.Sessions.Reset(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &snapshotOutput{Body: sess.Snapshot()}, nil
	})
}

func registerMessages(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-message",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/messages",
		Summary:     "Submit a research query",
		Description: "Starts a research run. accepted is false while another run is in flight for the session.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      SubmitMessageRequest
	}) (*struct {
		Body SubmitMessageResponse `json:"body"`
	}, error) {
		sess, err := cfg.Sessions.Get(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SubmitMessageResponse{Accepted: true}
		run, err := cfg.Engine.Start(cfg.runContext(), sess, input.Body.Query)
		// A reset between Get and Start retires sess; retry on its replacement.
		for attempt := 0; errors.Is(err, session.ErrRetired) && attempt < 3; attempt++ {
			if sess, err = cfg.Sessions.Get(input.SessionID); err != nil {
				return nil, handleError(err)
			}
			run, err = cfg.Engine.Start(cfg.runContext(), sess, input.Body.Query)
		}
		switch {
		case err == nil:
			if input.Body.Wait {
				outcome, werr := run.Wait(ctx)
				if werr != nil && ctx.Err() != nil {
					return nil, handleError(werr)
				}
				resp.Outcome = outcome
			}
		case isBusy(err):
			resp.Accepted = false
			resp.Reason = err.Error()
		default:
			return nil, handleError(err)
		}
		resp.Snapshot = sess.Snapshot()
		return &struct {
			Body SubmitMessageResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReports(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "compound-report",
		Method:      http.MethodGet,
		Path:        "/compounds/{key}/report",
		Summary:     "Download a strategy report for a compound",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key    string `path:"key"`
		Format string `query:"format" enum:"pdf,text" default:"pdf"`
	}) (*reportOutput, error) {
		rec, ok := cfg.catalog().Get(input.Key)
		if !ok {
			return nil, handleError(fmt.Errorf("%w: %s", catalog.ErrUnknown, input.Key))
		}
		return renderReport(cfg, rec, input.Format)
	})

	huma.Register(api, huma.Operation{
		OperationID: "message-report",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/messages/{message_id}/report",
		Summary:     "Download the strategy report offered by a message",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		MessageID string `path:"message_id"`
		Format    string `query:"format" enum:"pdf,text" default:"pdf"`
	}) (*reportOutput, error) {
		sess, err := cfg.Sessions.Get(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		msg, ok := sess.Message(input.MessageID)
		if !ok {
			return nil, handleError(errMessageNotFound)
		}
		if !msg.OfferDownload || msg.Record == nil {
			return nil, handleError(errNoReport)
		}
		return renderReport(cfg, *msg.Record, input.Format)
	})
}

func renderReport(cfg Config, rec domain.CompoundRecord, format string) (*reportOutput, error) {
	if format == "" {
		format = report.FormatPDF
	}
	at := cfg.now()
	doc := report.Format(rec, at)
	filename := doc.Filename
	if format == report.FormatText {
		filename = report.Filename(rec.Name, at, "txt")
	}
	var buf bytes.Buffer
	if err := report.Render(doc, format, &buf); err != nil {
		return nil, handleError(err)
	}
	return &reportOutput{
		ContentType:        report.ContentType(format),
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", filename),
		Body:               buf.Bytes(),
	}, nil
}

func registerEvents(api huma.API, cfg Config) {
	sse.Register(api, huma.Operation{
		OperationID: "session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "Stream session changes",
		Description: "Sends a snapshot event first, then every change in order. An unknown session yields a single error event.",
	}, map[string]any{
		"snapshot":         snapshotEvent{},
		events.TypeStatus:  statusEvent{},
		events.TypeStage:   stageEvent{},
		events.TypeMessage: messageEvent{},
		events.TypeLog:     logEvent{},
		events.TypeRun:     runEvent{},
		"error":            streamErrorEvent{},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		UntilDone bool   `query:"until_done" doc:"Close the stream after the next run event"`
	}, send sse.Sender) {
		sess, err := cfg.Sessions.Get(input.SessionID)
		if err != nil {
			send.Data(streamErrorEvent{Code: "not_found", Message: err.Error()})
			return
		}
		if cfg.Events == nil {
			send.Data(streamErrorEvent{Code: "internal_error", Message: "event stream unavailable"})
			return
		}
		stream, err := cfg.Events.Subscribe(ctx, sess.ID())
		if err != nil {
			send.Data(streamErrorEvent{Code: "internal_error", Message: err.Error()})
			return
		}
		if err := send.Data(snapshotEvent(sess.Snapshot())); err != nil {
			return
		}
		for evt := range stream {
			data, err := streamEvent(evt)
			if err != nil {
				cfg.Logger.Warn("server", "drop stream event", map[string]any{"type": evt.Type, "error": err.Error()})
				continue
			}
			if err := send.Data(data); err != nil {
				return
			}
			if input.UntilDone && evt.Type == events.TypeRun {
				return
			}
		}
	})
}

// streamEvent converts a bus event into its typed stream payload.
func streamEvent(evt events.Event) (any, error) {
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	var out any
	switch evt.Type {
	case events.TypeStatus:
		out, err = decodeInto(raw, statusEvent{TS: evt.TS})
	case events.TypeStage:
		out, err = decodeInto(raw, stageEvent{TS: evt.TS})
	case events.TypeMessage:
		out, err = decodeInto(raw, messageEvent{TS: evt.TS})
	case events.TypeLog:
		out, err = decodeInto(raw, logEvent{TS: evt.TS})
	case events.TypeRun:
		out, err = decodeInto(raw, runEvent{TS: evt.TS})
	default:
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", evt.Type, err)
	}
	return out, nil
}

func decodeInto[T any](raw []byte, v T) (T, error) {
	err := json.Unmarshal(raw, &v)
	return v, err
}

func isBusy(err error) bool {
	return errors.Is(err, engine.ErrBusy) || errors.Is(err, session.ErrBusy)
}
