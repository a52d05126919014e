package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmagent/internal/backend"
	"pharmagent/internal/catalog"
	"pharmagent/internal/domain"
	"pharmagent/internal/engine"
	"pharmagent/internal/events"
	"pharmagent/internal/logger"
	"pharmagent/internal/session"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// gate is a research backend that holds every call until released.
type gate struct{ release chan struct{} }

func (g gate) Research(ctx context.Context, _ string) (backend.ResearchResponse, error) {
	select {
	case <-g.release:
		return backend.ResearchResponse{}, &backend.NetworkError{Err: io.EOF}
	case <-ctx.Done():
		return backend.ResearchResponse{}, &backend.NetworkError{Err: ctx.Err()}
	}
}

func newTestServer(t *testing.T, researcher engine.Researcher) (*testServer, func()) {
	t.Helper()
	log := logger.Nop()
	bus := events.NewBus(log)
	store := session.NewStore(time.Hour, 0)
	runCtx, cancelRuns := context.WithCancel(context.Background())
	e := engine.Engine{
		Catalog:      catalog.Default(),
		Backend:      researcher,
		Events:       bus,
		Pacer:        engine.TimerPacer{},
		AutoFallback: true,
		Logger:       log,
	}
	handler, err := New(Config{
		Engine:      e,
		Sessions:    store,
		Events:      bus,
		Catalog:     catalog.Default(),
		BasePath:    "/v0",
		CORSOrigins: []string{"http://localhost:3000"},
		Logger:      log,
		RunContext:  runCtx,
		Now:         func() time.Time { return time.Date(2024, 5, 1, 15, 4, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			cancelRuns()
			srv.Shutdown(context.Background())
			ln.Close()
			bus.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createSession(t *testing.T, srv *testServer) domain.Snapshot {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	return snap
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthAndCompounds(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Sessions)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/compounds", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list CompoundList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 3)
	assert.Equal(t, "gefitinib", list.Items[0].Key)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/compounds/Metformin", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rec domain.CompoundRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "NCT02432287", rec.Trials.NCTID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/compounds/ibuprofen", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestSubmitFallbackAndDownloadReport(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	snap := createSession(t, srv)
	base := srv.URL + "/v0/sessions/" + snap.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{
		"query": "Analyze aspirin for cancer prevention",
		"wait":  true,
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var submitted SubmitMessageResponse
	require.NoError(t, json.Unmarshal(data, &submitted))
	assert.True(t, submitted.Accepted)
	assert.Equal(t, domain.OutcomeFallbackComplete, submitted.Outcome)
	assert.False(t, submitted.Snapshot.Processing)
	assert.Equal(t, domain.PhaseComplete, submitted.Snapshot.Phase)
	require.Len(t, submitted.Snapshot.Stages, 3)
	for _, st := range submitted.Snapshot.Stages {
		assert.Equal(t, domain.StageSuccess, st.Status)
	}

	msgs := submitted.Snapshot.Messages
	require.GreaterOrEqual(t, len(msgs), 3)
	final := msgs[len(msgs)-1]
	require.True(t, final.OfferDownload)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)

	reportRes, pdf := doJSON(t, client, http.MethodGet, base+"/messages/"+final.ID+"/report", nil, nil)
	require.Equal(t, http.StatusOK, reportRes.StatusCode, string(pdf))
	assert.Equal(t, "application/pdf", reportRes.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="PharmAgent_Aspirin_Report_2024-05-01.pdf"`, reportRes.Header.Get("Content-Disposition"))
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	textRes, text := doJSON(t, client, http.MethodGet, base+"/messages/"+final.ID+"/report?format=text", nil, nil)
	require.Equal(t, http.StatusOK, textRes.StatusCode, string(text))
	assert.Contains(t, textRes.Header.Get("Content-Disposition"), "PharmAgent_Aspirin_Report_2024-05-01.txt")
	assert.Contains(t, string(text), "Drug Analysis: Aspirin")

	noReport, body := doJSON(t, client, http.MethodGet, base+"/messages/"+msgs[0].ID+"/report", nil, nil)
	assert.Equal(t, http.StatusConflict, noReport.StatusCode)
	assert.Equal(t, "no_report", errorCode(t, body))

	missing, body := doJSON(t, client, http.MethodGet, base+"/messages/nope/report", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))

	badFormat, _ := doJSON(t, client, http.MethodGet, base+"/messages/"+final.ID+"/report?format=docx", nil, nil)
	assert.Equal(t, http.StatusBadRequest, badFormat.StatusCode)
}

func TestSubmitNoMatchAndBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	snap := createSession(t, srv)
	base := srv.URL + "/v0/sessions/" + snap.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{"query": "tell me about ibuprofen", "wait": true}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var submitted SubmitMessageResponse
	require.NoError(t, json.Unmarshal(data, &submitted))
	assert.Equal(t, domain.OutcomeNoMatch, submitted.Outcome)
	assert.Equal(t, catalog.ClarificationText, submitted.Snapshot.Messages[len(submitted.Snapshot.Messages)-1].Content)

	res, data = doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{"query": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, _ = doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/missing/messages", map[string]any{"query": "aspirin"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	g := gate{release: make(chan struct{})}
	srv, cleanup := newTestServer(t, g)
	defer cleanup()
	client := srv.Client()
	snap := createSession(t, srv)
	base := srv.URL + "/v0/sessions/" + snap.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{"query": "aspirin"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var first SubmitMessageResponse
	require.NoError(t, json.Unmarshal(data, &first))
	assert.True(t, first.Accepted)
	assert.True(t, first.Snapshot.Processing)

	res, data = doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{"query": "metformin"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var second SubmitMessageResponse
	require.NoError(t, json.Unmarshal(data, &second))
	assert.False(t, second.Accepted)
	assert.NotEmpty(t, second.Reason)
	for _, m := range second.Snapshot.Messages {
		assert.NotEqual(t, "metformin", m.Content)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/reset", nil, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "session_busy", errorCode(t, data))

	close(g.release)
	require.Eventually(t, func() bool {
		_, data := doJSON(t, client, http.MethodGet, base, nil, nil)
		var snap domain.Snapshot
		return json.Unmarshal(data, &snap) == nil && !snap.Processing
	}, 5*time.Second, 20*time.Millisecond)

	res, data = doJSON(t, client, http.MethodPost, base+"/reset", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var reset domain.Snapshot
	require.NoError(t, json.Unmarshal(data, &reset))
	assert.Equal(t, snap.ID, reset.ID)
	assert.Empty(t, reset.Messages)
	assert.Empty(t, reset.Stages)

	res, _ = doJSON(t, client, http.MethodDelete, base, nil, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, data = doJSON(t, client, http.MethodGet, base, nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses an event stream until it ends or stop returns true.
func readEvents(r *bufio.Reader, stop func(sseEvent) bool) []sseEvent {
	var out []sseEvent
	cur := sseEvent{name: "message"}
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if cur.data != "" {
				out = append(out, cur)
				if stop(cur) {
					return out
				}
				cur = sseEvent{name: "message"}
			}
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if err != nil {
			return out
		}
	}
}

func TestEventStream(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	snap := createSession(t, srv)
	base := srv.URL + "/v0/sessions/" + snap.ID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events?until_done=true", nil)
	require.NoError(t, err)
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	br := bufio.NewReader(res.Body)
	first := readEvents(br, func(sseEvent) bool { return true })
	require.Len(t, first, 1)
	assert.Equal(t, "snapshot", first[0].name)

	sub, data := doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{"query": "gefitinib for glioblastoma"}, nil)
	require.Equal(t, http.StatusOK, sub.StatusCode, string(data))

	rest := readEvents(br, func(e sseEvent) bool { return e.name == events.TypeRun })
	require.NotEmpty(t, rest)
	assert.Equal(t, events.TypeRun, rest[len(rest)-1].name)

	seen := map[string]bool{}
	var stages []string
	for _, e := range rest {
		seen[e.name] = true
		if e.name != events.TypeStage {
			continue
		}
		var se stageEvent
		require.NoError(t, json.Unmarshal([]byte(e.data), &se))
		stages = append(stages, string(se.Stage.ID)+":"+string(se.Stage.Status))
	}
	for _, name := range []string{events.TypeMessage, events.TypeStatus, events.TypeLog, events.TypeStage} {
		assert.True(t, seen[name], "missing %s event", name)
	}
	assert.Equal(t, []string{
		"patents:running", "patents:success",
		"trials:running", "trials:success",
		"market:running", "market:success",
	}, stages)

	var run runEvent
	require.NoError(t, json.Unmarshal([]byte(rest[len(rest)-1].data), &run))
	assert.Equal(t, domain.OutcomeFallbackComplete, run.Outcome)
	assert.False(t, run.Processing)
}

func TestEventStreamUnknownSession(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/missing/events", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := readEvents(bufio.NewReader(bytes.NewReader(data)), func(sseEvent) bool { return false })
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].name)
	assert.Contains(t, got[0].data, "not_found")
}

func TestDocsOpenAPIAndCORS(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `"ApiError"`)
	assert.Contains(t, string(data), "/v0/sessions/{session_id}/messages")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/openapi.json")

	res, _ = doJSON(t, client, http.MethodOptions, srv.URL+"/v0/sessions", nil, map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})
	assert.Less(t, res.StatusCode, 300)
	assert.Equal(t, "http://localhost:3000", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, "http://localhost:3000", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Expose-Headers"), "Content-Disposition")

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()

	var doc struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	assert.Contains(t, doc.Components.Schemas, "ApiError")
	for i := 1; i < len(bodies); i++ {
		assert.Equal(t, string(bodies[0]), string(bodies[i]))
	}
}

func TestNoCORSHeadersWithoutOrigins(t *testing.T) {
	h := newCORSMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req, err := http.NewRequest(http.MethodOptions, "/v0/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
