package domain

type Patent struct {
	ID       string `json:"id" yaml:"id"`
	Expiry   string `json:"expiry" yaml:"expiry"`
	FTO      string `json:"fto" yaml:"fto"`
	Abstract string `json:"abstract" yaml:"abstract"`
}

type Trials struct {
	Count      int    `json:"count" yaml:"count"`
	Phase      string `json:"phase" yaml:"phase"`
	Indication string `json:"indication" yaml:"indication"`
	NCTID      string `json:"nct_id" yaml:"nct_id"`
	Details    string `json:"details" yaml:"details"`
}

type Market struct {
	Size        string   `json:"size" yaml:"size"`
	Competition string   `json:"competition" yaml:"competition"`
	CAGR        string   `json:"cagr" yaml:"cagr"`
	KeyPlayers  []string `json:"key_players" yaml:"key_players"`
}

// CompoundRecord is the fact sheet for one compound. Records are values;
// callers never share a mutable copy.
type CompoundRecord struct {
	Key        string `json:"key,omitempty" yaml:"key"`
	Name       string `json:"name" yaml:"name"`
	Indication string `json:"indication" yaml:"indication"`
	Patent     Patent `json:"patent" yaml:"patent"`
	Trials     Trials `json:"trials" yaml:"trials"`
	Market     Market `json:"market" yaml:"market"`
	Synthesis  string `json:"synthesis" yaml:"synthesis"`
}

type StageID string

const (
	StagePatents StageID = "patents"
	StageTrials  StageID = "trials"
	StageMarket  StageID = "market"
)

// StageOrder is the fixed execution order of the research stages.
var StageOrder = []StageID{StagePatents, StageTrials, StageMarket}

type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
)

// Rank orders statuses so transitions can be checked for monotonicity.
func (s StageStatus) Rank() int {
	switch s {
	case StagePending:
		return 0
	case StageRunning:
		return 1
	case StageSuccess:
		return 2
	default:
		return -1
	}
}

type StageTask struct {
	ID      StageID        `json:"id" enum:"patents,trials,market"`
	Name    string         `json:"name"`
	Icon    string         `json:"icon" enum:"scroll,flask,chart"`
	Status  StageStatus    `json:"status" enum:"pending,running,success"`
	Summary string         `json:"summary"`
	Detail  string         `json:"detail"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

type Message struct {
	ID            string          `json:"id"`
	Role          Role            `json:"role" enum:"user,agent,system"`
	Content       string          `json:"content"`
	Typing        bool            `json:"typing"`
	OfferDownload bool            `json:"offer_download"`
	Record        *CompoundRecord `json:"record,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

type LogCategory string

const (
	LogInfo    LogCategory = "info"
	LogSuccess LogCategory = "success"
	LogRequest LogCategory = "request"
	LogProcess LogCategory = "process"
	LogError   LogCategory = "error"
)

type LogEntry struct {
	Timestamp string      `json:"timestamp"`
	Message   string      `json:"message"`
	Category  LogCategory `json:"category" enum:"info,success,request,process,error"`
}

// Phase is a state of the research run state machine.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseUserMessagePosted Phase = "user_message_posted"
	PhaseConnectingBackend Phase = "connecting_backend"
	PhaseBackendStage      Phase = "backend_stage"
	PhaseLocalStage        Phase = "local_stage"
	PhaseStageRunning      Phase = "stage_running"
	PhaseStageSuccess      Phase = "stage_success"
	PhaseSynthesizing      Phase = "synthesizing"
	PhaseComplete          Phase = "complete"
	PhaseNoMatch           Phase = "no_match"
	PhaseError             Phase = "error"
)

func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseNoMatch || p == PhaseError
}

// Outcome names how a run ended.
type Outcome string

const (
	OutcomeBackendComplete  Outcome = "backend_complete"
	OutcomeFallbackComplete Outcome = "fallback_complete"
	OutcomeNoMatch          Outcome = "no_match"
	OutcomeError            Outcome = "error"
)

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID           string      `json:"id"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	Processing   bool        `json:"processing"`
	Phase        Phase       `json:"phase"`
	MasterStatus string      `json:"master_status"`
	Stages       []StageTask `json:"stages"`
	Messages     []Message   `json:"messages"`
	Logs         []LogEntry  `json:"logs"`
	LastOutcome  Outcome     `json:"last_outcome,omitempty"`
}
