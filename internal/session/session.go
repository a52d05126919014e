package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmagent/internal/domain"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrBusy            = errors.New("session is processing a query")
	ErrRetired         = errors.New("session was reset")
	ErrUnknownStage    = errors.New("unknown stage")
	ErrStageRegression = errors.New("stage status cannot move backwards")
)

// Session is one conversation. The research run that owns it is the only
// writer; readers take snapshots.
type Session struct {
	mu           sync.Mutex
	id           string
	createdAt    time.Time
	processing   bool
	phase        domain.Phase
	masterStatus string
	stages       []domain.StageTask
	messages     []domain.Message
	logs         []domain.LogEntry
	lastOutcome  domain.Outcome
	retired      bool
	now          func() time.Time
}

// New returns an idle session. A nil now uses time.Now.
func New(id string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{id: id, createdAt: now(), phase: domain.PhaseIdle, now: now}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Begin starts a run for query. It fails with ErrBusy while a run is in
// flight and with ErrRetired once the session has been replaced, leaving the
// session untouched. Otherwise the previous run's stages and logs are
// discarded and the user message is appended.
func (s *Session) Begin(query string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return domain.Message{}, ErrRetired
	}
	if s.processing {
		return domain.Message{}, ErrBusy
	}
	s.processing = true
	s.stages = nil
	s.logs = nil
	s.masterStatus = ""
	s.phase = domain.PhaseUserMessagePosted
	return s.appendMessageLocked(domain.Message{Role: domain.RoleUser, Content: query}), nil
}

// Retire marks the session as replaced so it accepts no further runs. It
// fails with ErrBusy while a run is in flight.
func (s *Session) Retire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return ErrBusy
	}
	s.retired = true
	return nil
}

// Finish records the terminal phase and clears the processing flag. A
// non-terminal phase is recorded as error.
func (s *Session) Finish(phase domain.Phase, outcome domain.Outcome) {
	if !phase.Terminal() {
		phase = domain.PhaseError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	s.phase = phase
	s.lastOutcome = outcome
}

func (s *Session) SetPhase(p domain.Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) Phase() domain.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) SetMasterStatus(status string) {
	s.mu.Lock()
	s.masterStatus = status
	s.mu.Unlock()
}

// SetStages installs the stage list for the current run. Every stage starts
// pending regardless of the status passed in.
func (s *Session) SetStages(stages []domain.StageTask) error {
	seen := map[domain.StageID]bool{}
	out := make([]domain.StageTask, 0, len(stages))
	for _, st := range stages {
		if seen[st.ID] {
			return fmt.Errorf("duplicate stage %s", st.ID)
		}
		seen[st.ID] = true
		st.Status = domain.StagePending
		out = append(out, st)
	}
	s.mu.Lock()
	s.stages = out
	s.mu.Unlock()
	return nil
}

// UpdateStage moves a stage to status. Backwards moves are rejected.
func (s *Session) UpdateStage(id domain.StageID, status domain.StageStatus) (domain.StageTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.stages {
		if s.stages[i].ID != id {
			continue
		}
		if status.Rank() < s.stages[i].Status.Rank() {
			return s.stages[i], fmt.Errorf("%w: %s %s -> %s", ErrStageRegression, id, s.stages[i].Status, status)
		}
		s.stages[i].Status = status
		return s.stages[i], nil
	}
	return domain.StageTask{}, fmt.Errorf("%w: %s", ErrUnknownStage, id)
}

// AppendMessage assigns an id and timestamp when missing and appends m.
func (s *Session) AppendMessage(m domain.Message) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessageLocked(m)
}

func (s *Session) appendMessageLocked(m domain.Message) domain.Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	s.messages = append(s.messages, m)
	return m
}

// AppendLog adds a terminal log line stamped HH:MM:SS.
func (s *Session) AppendLog(category domain.LogCategory, message string) domain.LogEntry {
	entry := domain.LogEntry{
		Timestamp: s.now().Format("15:04:05"),
		Message:   message,
		Category:  category,
	}
	s.mu.Lock()
	s.logs = append(s.logs, entry)
	s.mu.Unlock()
	return entry
}

// Message finds a message by id.
func (s *Session) Message(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

// Snapshot copies the session state.
func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.Snapshot{
		ID:           s.id,
		CreatedAt:    s.createdAt.UTC().Format(time.RFC3339),
		Processing:   s.processing,
		Phase:        s.phase,
		MasterStatus: s.masterStatus,
		Stages:       make([]domain.StageTask, len(s.stages)),
		Messages:     make([]domain.Message, len(s.messages)),
		Logs:         make([]domain.LogEntry, len(s.logs)),
		LastOutcome:  s.lastOutcome,
	}
	copy(snap.Stages, s.stages)
	copy(snap.Messages, s.messages)
	copy(snap.Logs, s.logs)
	return snap
}
