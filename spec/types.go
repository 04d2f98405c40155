package spec

import (
	"slices"
	"time"
)

// SessionID identifies a dialogue session (UUIDv7 string unless the host supplies its own).
type SessionID string

// SlotName is a preference dimension such as genre or actor.
// The set of known names is configured per runtime.
type SlotName string

// SlotMovieID is reserved: it targets a recommended movie, not a preference constraint.
const SlotMovieID SlotName = "movie_id"

type SlotStatus string

const (
	SlotUnconfirmed SlotStatus = "unconfirmed"
	SlotConfirmed   SlotStatus = "confirmed"
	SlotNegated     SlotStatus = "negated"
)

type Slot struct {
	Name       SlotName   `json:"name"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Status     SlotStatus `json:"status"`
}

// UserIntent is the closed set of inbound intents produced by NLU.
type UserIntent string

const (
	UserInform  UserIntent = "inform"
	UserRequest UserIntent = "request"
	UserConfirm UserIntent = "confirm"
	UserNegate  UserIntent = "negate"
	UserAccept  UserIntent = "accept"
	UserReject  UserIntent = "reject"
	UserRestart UserIntent = "restart"
	UserBye     UserIntent = "bye"
)

func (i UserIntent) Valid() bool {
	switch i {
	case UserInform, UserRequest, UserConfirm, UserNegate,
		UserAccept, UserReject, UserRestart, UserBye:
		return true
	default:
		return false
	}
}

// AgentIntent is the closed set of outbound intents consumed by NLG.
type AgentIntent string

const (
	AgentWelcome            AgentIntent = "welcome"
	AgentRequest            AgentIntent = "request"
	AgentConfirm            AgentIntent = "confirm"
	AgentInform             AgentIntent = "inform"
	AgentNoResults          AgentIntent = "no_results"
	AgentServiceUnavailable AgentIntent = "service_unavailable"
	AgentReprompt           AgentIntent = "reprompt"
	AgentRestart            AgentIntent = "restart"
	AgentBye                AgentIntent = "bye"
)

// ActSlot is one (name, value, confidence) triple of a dialogue act.
// Value may be empty for requests ("which genre?").
type ActSlot struct {
	Name       SlotName `json:"name"`
	Value      string   `json:"value,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// DialogueAct is the inbound act produced by NLU.
type DialogueAct struct {
	SessionID SessionID  `json:"sessionID,omitempty"`
	Intent    UserIntent `json:"intent"`
	Slots     []ActSlot  `json:"slots,omitempty"`
}

// SystemAct is the outbound act handed to NLG.
type SystemAct struct {
	SessionID SessionID   `json:"sessionID"`
	Intent    AgentIntent `json:"intent"`
	Slots     []ActSlot   `json:"slots,omitempty"`

	Candidates []Candidate `json:"candidates,omitempty"`

	// Pending lists the conflicts a confirm act asks about, with their current values.
	Pending []PendingConflict `json:"pending,omitempty"`

	// RelaxationsApplied lists the constraints dropped, in drop order, to obtain Candidates.
	RelaxationsApplied []SlotName `json:"relaxationsApplied,omitempty"`

	// ResultCount is the size of the candidate set behind a request, when one was computed.
	ResultCount int `json:"resultCount,omitempty"`

	// State is the policy state after this act.
	State PolicyState `json:"state"`

	// Error carries the kind of a recovered error ("parse", "retrieval", "state").
	Error string `json:"error,omitempty"`
}

type Candidate struct {
	MovieID string  `json:"movieID"`
	Score   float64 `json:"score"`
}

type Constraint struct {
	Slot  SlotName `json:"slot"`
	Value string   `json:"value"`
}

// Constraints is the query handed to a Retriever.
type Constraints map[SlotName]string

// PendingConflict is a low-confidence value that contradicts an active slot.
// It waits for explicit confirmation before it can replace Current.
type PendingConflict struct {
	Slot       SlotName `json:"slot"`
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	Current    string   `json:"current"`
}

// BeliefState is the accumulated understanding of the user's constraints.
// Slots are kept in insertion order, so the last element is the most recent.
// Version increases on every mutation.
type BeliefState struct {
	Slots         []Slot            `json:"slots,omitempty"`
	Pending       []PendingConflict `json:"pending,omitempty"`
	NegatedMovies []string          `json:"negatedMovies,omitempty"`
	Version       uint64            `json:"version"`
}

func (b BeliefState) Active(name SlotName) (Slot, bool) {
	for _, s := range b.Slots {
		if s.Name == name && s.Status != SlotNegated {
			return s, true
		}
	}
	return Slot{}, false
}

// ActiveConstraints returns the non-negated slots as constraints, oldest first.
func (b BeliefState) ActiveConstraints() []Constraint {
	out := make([]Constraint, 0, len(b.Slots))
	for _, s := range b.Slots {
		if s.Status == SlotNegated {
			continue
		}
		out = append(out, Constraint{Slot: s.Name, Value: s.Value})
	}
	return out
}

func (b BeliefState) PendingFor(name SlotName) (PendingConflict, bool) {
	for _, p := range b.Pending {
		if p.Slot == name {
			return p, true
		}
	}
	return PendingConflict{}, false
}

func (b BeliefState) IsNegated(movieID string) bool {
	return slices.Contains(b.NegatedMovies, movieID)
}

func (b BeliefState) Clone() BeliefState {
	return BeliefState{
		Slots:         slices.Clone(b.Slots),
		Pending:       slices.Clone(b.Pending),
		NegatedMovies: slices.Clone(b.NegatedMovies),
		Version:       b.Version,
	}
}

type PolicyState string

const (
	StateGreeting       PolicyState = "greeting"
	StateElicitation    PolicyState = "elicitation"
	StateConfirmation   PolicyState = "confirmation"
	StateRecommendation PolicyState = "recommendation"
	StateFeedback       PolicyState = "feedback"
	StateClosing        PolicyState = "closing"
)

// PolicyData is the dialogue policy's per-session memory.
type PolicyData struct {
	State PolicyState `json:"state"`

	// LastAsked maps a slot to the AskSeq value at which it was last requested.
	LastAsked map[SlotName]int `json:"lastAsked,omitempty"`
	AskSeq    int              `json:"askSeq"`

	// Focus holds the candidates most recently recommended.
	Focus []Candidate `json:"focus,omitempty"`
}

func (p PolicyData) Clone() PolicyData {
	out := PolicyData{
		State:  p.State,
		AskSeq: p.AskSeq,
		Focus:  slices.Clone(p.Focus),
	}
	if p.LastAsked != nil {
		out.LastAsked = make(map[SlotName]int, len(p.LastAsked))
		for k, v := range p.LastAsked {
			out.LastAsked[k] = v
		}
	}
	return out
}

// CandidateCache is valid only while BeliefVersion equals the belief's Version.
type CandidateCache struct {
	Computed      bool        `json:"computed"`
	BeliefVersion uint64      `json:"beliefVersion"`
	Candidates    []Candidate `json:"candidates,omitempty"`
	Relaxations   []SlotName  `json:"relaxations,omitempty"`
}

func (c CandidateCache) ValidFor(b BeliefState) bool {
	return c.Computed && c.BeliefVersion == b.Version
}

type DialogueTurn struct {
	ID        string      `json:"id"`
	UserAct   DialogueAct `json:"userAct"`
	SystemAct SystemAct   `json:"systemAct"`
	Timestamp time.Time   `json:"timestamp"`
}

type Session struct {
	ID         SessionID      `json:"id"`
	Belief     BeliefState    `json:"belief"`
	History    []DialogueTurn `json:"history,omitempty"`
	Cache      CandidateCache `json:"cache"`
	Policy     PolicyData     `json:"policy"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastActive time.Time      `json:"lastActive"`
}

// Clone returns a deep copy; stores hand out clones so that the orchestrator stays the only mutator.
func (s Session) Clone() Session {
	return Session{
		ID:     s.ID,
		Belief: s.Belief.Clone(),
		// Turns are values; cloning the slice is enough to keep history append-only per copy.
		History: slices.Clone(s.History),
		Cache: CandidateCache{
			Computed:      s.Cache.Computed,
			BeliefVersion: s.Cache.BeliefVersion,
			Candidates:    slices.Clone(s.Cache.Candidates),
			Relaxations:   slices.Clone(s.Cache.Relaxations),
		},
		Policy:     s.Policy.Clone(),
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
	}
}
