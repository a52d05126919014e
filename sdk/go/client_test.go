package pharmagentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmagent/internal/catalog"
	"pharmagent/internal/engine"
	"pharmagent/internal/events"
	"pharmagent/internal/logger"
	"pharmagent/internal/server"
	"pharmagent/internal/session"
)

func newAPI(t *testing.T) *Client {
	t.Helper()
	bus := events.NewBus(logger.Nop())
	runCtx, cancel := context.WithCancel(context.Background())
	handler, err := server.New(server.Config{
		Engine: engine.Engine{
			Catalog:      catalog.Default(),
			Events:       bus,
			Pacer:        engine.TimerPacer{},
			AutoFallback: true,
		},
		Sessions:   session.NewStore(time.Hour, 0),
		Events:     bus,
		RunContext: runCtx,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		bus.Close()
	})
	return New(srv.URL)
}

func TestSessionRoundTrip(t *testing.T) {
	c := newAPI(t)
	ctx := context.Background()

	compounds, err := c.Compounds(ctx)
	require.NoError(t, err)
	require.Len(t, compounds, 3)

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "idle", sess.Phase)

	res, err := c.Submit(ctx, sess.ID, "metformin and longevity", true)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "fallback_complete", res.Outcome)

	final := res.Snapshot.Messages[len(res.Snapshot.Messages)-1]
	require.True(t, final.OfferDownload)
	data, name, err := c.Report(ctx, sess.ID, final.ID, "pdf")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	assert.Regexp(t, `^PharmAgent_Metformin_Report_\d{4}-\d{2}-\d{2}\.pdf$`, name)

	reset, err := c.ResetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, reset.Messages)

	require.NoError(t, c.DeleteSession(ctx, sess.ID))
	_, err = c.Session(ctx, sess.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestStream(t *testing.T) {
	c := newAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)

	var names []string
	errc := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		errc <- c.Stream(ctx, sess.ID, true, func(e Event) error {
			names = append(names, e.Name)
			if e.Name == "snapshot" {
				close(ready)
			}
			return nil
		})
	}()
	<-ready
	_, err = c.Submit(ctx, sess.ID, "aspirin", false)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	require.NotEmpty(t, names)
	assert.Equal(t, "snapshot", names[0])
	assert.Equal(t, "run", names[len(names)-1])
	assert.Contains(t, names, "stage")
}

func TestCompoundReportText(t *testing.T) {
	c := newAPI(t)
	data, name, err := c.CompoundReport(context.Background(), "gefitinib", "text")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Drug Analysis: Gefitinib")
	assert.Contains(t, name, ".txt")

	_, _, err = c.CompoundReport(context.Background(), "nope", "text")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(apiErr.Body), &env))
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestStreamJoinsMultilineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/sessions/s1/events", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("until_done"))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: log\ndata: {\"log\":\ndata: 1}\n\n")
		io.WriteString(w, "event: run\ndata: {\"outcome\":\"no_match\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []Event
	err := New(srv.URL).Stream(ctx, "s1", true, func(e Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "log", got[0].Name)
	assert.Equal(t, "{\"log\":\n1}", string(got[0].Data))
	assert.Equal(t, "run", got[1].Name)
}

func TestStreamRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := New(srv.URL).Stream(context.Background(), "s1", false, func(Event) error { return nil })
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
