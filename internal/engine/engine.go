package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"pharmagent/internal/backend"
	"pharmagent/internal/catalog"
	"pharmagent/internal/config"
	"pharmagent/internal/domain"
	"pharmagent/internal/events"
	"pharmagent/internal/logger"
	"pharmagent/internal/session"
)

var (
	// ErrBusy rejects a submit while the session already has a run in flight.
	ErrBusy       = errors.New("a query is already being processed for this session")
	ErrEmptyQuery = errors.New("query is required")
)

const (
	AckMessage = "Master Agent: Analyzing query and initiating real-time research workflow..."

	StatusConnecting = "Connecting to backend..."
	StatusProcessing = "Processing worker agents..."
	StatusComplete   = "Complete"
	StatusClarify    = "Awaiting clarification"
	StatusError      = "Error"
)

// RemediationText is the final message when the backend fails and local
// fallback is disabled.
const RemediationText = "⚠️ **Backend Connection Failed**\n\n" +
	"The research backend could not be reached and local fallback is disabled.\n\n" +
	"**Possible causes:**\n" +
	"- The research backend is not running\n" +
	"- The backend listens on a different address than backend.url\n" +
	"- The request timed out\n\n" +
	"**To fix:**\n" +
	"1. Open a terminal\n" +
	"2. Run: `pharmagent backend`\n" +
	"3. Check that backend.url points at it (default http://127.0.0.1:5000)\n" +
	"4. Try your query again"

// Researcher is the external research call.
type Researcher interface {
	Research(ctx context.Context, prompt string) (backend.ResearchResponse, error)
}

// Engine runs research queries against sessions.
type Engine struct {
	Catalog      *catalog.Repository
	Backend      Researcher
	Events       events.Publisher
	Pacer        Pacer
	Delays       Delays
	AutoFallback bool
	Verbose      bool
	Logger       logger.Logger
	Now          func() time.Time
}

func New(cfg *config.Config, cat *catalog.Repository, researcher Researcher, pub events.Publisher, log logger.Logger) Engine {
	return Engine{
		Catalog:      cat,
		Backend:      researcher,
		Events:       pub,
		Pacer:        TimerPacer{},
		Delays:       DelaysFromConfig(cfg.Pacing),
		AutoFallback: cfg.Backend.AutoFallback,
		Verbose:      cfg.Debug,
		Logger:       log,
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() logger.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logger.Nop()
}

func (e Engine) pacer() Pacer {
	if e.Pacer != nil {
		return e.Pacer
	}
	return TimerPacer{}
}

func (e Engine) catalog() *catalog.Repository {
	if e.Catalog != nil {
		return e.Catalog
	}
	return catalog.Default()
}

// Run is one research run. Done closes at the terminal transition.
type Run struct {
	UserMessage domain.Message
	done        chan struct{}
	outcome     domain.Outcome
	err         error
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Outcome is valid once Done is closed.
func (r *Run) Outcome() domain.Outcome { return r.outcome }

// Err reports why a run was aborted, nil for runs that ran to a terminal
// phase on their own.
func (r *Run) Err() error { return r.err }

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) (domain.Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start posts query to the session and runs the research workflow in the
// background. Cancelling ctx aborts pacing and the backend call.
func (e Engine) Start(ctx context.Context, s *session.Session, query string) (*Run, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	msg, err := s.Begin(query)
	if errors.Is(err, session.ErrBusy) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	e.logger().Info("engine", "research run started", map[string]any{"session_id": s.ID(), "query": query})
	e.emit(ctx, s, events.TypeMessage, events.EventPayload{"message": msg})
	e.emitStatus(ctx, s)
	run := &Run{UserMessage: msg, done: make(chan struct{})}
	go e.run(ctx, s, query, run)
	return run, nil
}

// Submit is Start followed by Wait.
func (e Engine) Submit(ctx context.Context, s *session.Session, query string) (domain.Outcome, error) {
	run, err := e.Start(ctx, s, query)
	if err != nil {
		return "", err
	}
	return run.Wait(ctx)
}

func (e Engine) run(ctx context.Context, s *session.Session, query string, r *Run) {
	phase, outcome := domain.PhaseError, domain.OutcomeError
	var runErr error
	defer func() {
		s.Finish(phase, outcome)
		final := context.WithoutCancel(ctx)
		payload := events.EventPayload{"outcome": outcome, "phase": phase, "processing": false}
		if runErr != nil {
			payload["error"] = runErr.Error()
		}
		e.emit(final, s, events.TypeRun, payload)
		e.logger().Info("engine", "research run finished", map[string]any{"session_id": s.ID(), "outcome": outcome})
		r.outcome, r.err = outcome, runErr
		close(r.done)
	}()
	abort := func(err error) {
		runErr = err
		final := context.WithoutCancel(ctx)
		e.master(final, s, StatusError)
		e.addLog(final, s, domain.LogError, "ERROR: research run aborted: "+err.Error())
	}

	if err := e.pacer().Wait(ctx, e.Delays.Ack); err != nil {
		abort(err)
		return
	}
	e.say(ctx, s, domain.Message{Role: domain.RoleSystem, Content: AckMessage})
	e.setStatus(ctx, s, domain.PhaseConnectingBackend, StatusConnecting)
	e.addLog(ctx, s, domain.LogInfo, "Initializing PharmAgent workflow...")
	e.addLog(ctx, s, domain.LogRequest, "Connecting to research backend...")

	resp, err := e.research(ctx, query)
	if err == nil {
		phase, outcome, runErr = e.completeFromBackend(ctx, s, resp)
		if runErr != nil {
			abort(runErr)
		}
		return
	}
	if ctx.Err() != nil {
		abort(ctx.Err())
		return
	}

	e.logger().Warn("engine", "research backend failed", map[string]any{
		"session_id": s.ID(), "kind": backend.Kind(err), "error": err.Error(),
	})
	e.addLog(ctx, s, domain.LogError, "ERROR: "+err.Error())
	if !e.AutoFallback {
		e.master(ctx, s, StatusError)
		e.say(ctx, s, domain.Message{Role: domain.RoleAgent, Content: RemediationText, Typing: true})
		return
	}

	e.addLog(ctx, s, domain.LogProcess, "Backend unavailable; falling back to local research data")
	rec, found := e.catalog().Detect(query)
	if !found {
		phase, outcome = domain.PhaseNoMatch, domain.OutcomeNoMatch
		s.SetPhase(domain.PhaseNoMatch)
		e.master(ctx, s, StatusClarify)
		e.addLog(ctx, s, domain.LogInfo, "No known compound detected in query")
		e.say(ctx, s, domain.Message{Role: domain.RoleAgent, Content: catalog.ClarificationText, Typing: true})
		return
	}
	phase, outcome, runErr = e.completeFromCatalog(ctx, s, rec)
	if runErr != nil {
		abort(runErr)
	}
}

func (e Engine) research(ctx context.Context, query string) (backend.ResearchResponse, error) {
	if e.Backend == nil {
		return backend.ResearchResponse{}, &backend.NetworkError{Err: errors.New("no research backend configured")}
	}
	resp, err := e.Backend.Research(ctx, query)
	if e.Verbose && err == nil {
		e.logger().Debug("engine", "research response", map[string]any{
			"drug": resp.Drug, "indication": resp.Indication, "logs": resp.Logs,
		})
	}
	return resp, err
}

func (e Engine) completeFromBackend(ctx context.Context, s *session.Session, resp backend.ResearchResponse) (domain.Phase, domain.Outcome, error) {
	e.addLog(ctx, s, domain.LogSuccess, "Backend connected. Drug detected: "+resp.Drug)
	for _, line := range resp.Logs {
		e.addLog(ctx, s, domain.LogInfo, line)
	}
	e.setStatus(ctx, s, domain.PhaseBackendStage, StatusProcessing)
	if err := e.runStages(ctx, s, BackendStages(resp)); err != nil {
		return domain.PhaseError, domain.OutcomeError, err
	}
	rec := resp.Record()
	if err := e.synthesize(ctx, s, resp.Synthesis, rec); err != nil {
		return domain.PhaseError, domain.OutcomeError, err
	}
	return domain.PhaseComplete, domain.OutcomeBackendComplete, nil
}

func (e Engine) completeFromCatalog(ctx context.Context, s *session.Session, rec domain.CompoundRecord) (domain.Phase, domain.Outcome, error) {
	e.addLog(ctx, s, domain.LogSuccess, "Local research data found. Drug detected: "+rec.Name)
	e.setStatus(ctx, s, domain.PhaseLocalStage, StatusProcessing)
	if err := e.runStages(ctx, s, LocalStages(rec)); err != nil {
		return domain.PhaseError, domain.OutcomeError, err
	}
	if err := e.synthesize(ctx, s, rec.Synthesis, rec); err != nil {
		return domain.PhaseError, domain.OutcomeError, err
	}
	return domain.PhaseComplete, domain.OutcomeFallbackComplete, nil
}

// runStages advances each stage strictly in order: running, pause, success,
// pause.
func (e Engine) runStages(ctx context.Context, s *session.Session, stages []domain.StageTask) error {
	if err := s.SetStages(stages); err != nil {
		return err
	}
	for _, st := range stages {
		if err := e.advance(ctx, s, st.ID, domain.PhaseStageRunning, domain.StageRunning); err != nil {
			return err
		}
		if err := e.pacer().Wait(ctx, e.Delays.Stage); err != nil {
			return err
		}
		if err := e.advance(ctx, s, st.ID, domain.PhaseStageSuccess, domain.StageSuccess); err != nil {
			return err
		}
		if err := e.pacer().Wait(ctx, e.Delays.Settle); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) advance(ctx context.Context, s *session.Session, id domain.StageID, phase domain.Phase, status domain.StageStatus) error {
	s.SetPhase(phase)
	task, err := s.UpdateStage(id, status)
	if err != nil {
		return err
	}
	e.emit(ctx, s, events.TypeStage, events.EventPayload{"stage": task})
	return nil
}

func (e Engine) synthesize(ctx context.Context, s *session.Session, synthesis string, rec domain.CompoundRecord) error {
	s.SetPhase(domain.PhaseSynthesizing)
	if err := e.pacer().Wait(ctx, e.Delays.Synthesis); err != nil {
		return err
	}
	e.master(ctx, s, StatusComplete)
	e.addLog(ctx, s, domain.LogSuccess, "Analysis complete. Report ready.")
	e.say(ctx, s, domain.Message{
		Role:          domain.RoleAgent,
		Content:       synthesis,
		Typing:        true,
		OfferDownload: true,
		Record:        &rec,
	})
	return nil
}

func (e Engine) setStatus(ctx context.Context, s *session.Session, phase domain.Phase, master string) {
	s.SetPhase(phase)
	s.SetMasterStatus(master)
	e.emitStatus(ctx, s)
}

func (e Engine) master(ctx context.Context, s *session.Session, status string) {
	s.SetMasterStatus(status)
	e.emitStatus(ctx, s)
}

func (e Engine) emitStatus(ctx context.Context, s *session.Session) {
	snap := s.Snapshot()
	e.emit(ctx, s, events.TypeStatus, events.EventPayload{
		"phase":         snap.Phase,
		"master_status": snap.MasterStatus,
		"processing":    snap.Processing,
	})
}

func (e Engine) addLog(ctx context.Context, s *session.Session, cat domain.LogCategory, msg string) {
	entry := s.AppendLog(cat, msg)
	e.emit(ctx, s, events.TypeLog, events.EventPayload{"log": entry})
}

func (e Engine) say(ctx context.Context, s *session.Session, m domain.Message) domain.Message {
	if m.CreatedAt == "" {
		m.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	m = s.AppendMessage(m)
	e.emit(ctx, s, events.TypeMessage, events.EventPayload{"message": m})
	return m
}

func (e Engine) emit(ctx context.Context, s *session.Session, typ string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	evt := events.Event{
		Type:      typ,
		SessionID: s.ID(),
		TS:        e.now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
	if err := e.Events.Publish(ctx, evt); err != nil {
		e.logger().Warn("engine", "publish event failed", map[string]any{"type": typ, "error": err.Error()})
	}
}
