// Package debate implements the adversarial debate state machine: two
// opposing agents argue over an entity pair through bounded rounds, a
// synthesizer merges their positions, and a pure decision policy settles
// each round as consensus, another round, or escalation to a human.
package debate

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Role identifies a participant in a debate.
type Role string

const (
	RoleAdvocate    Role = "advocate"
	RoleSkeptic     Role = "skeptic"
	RoleSynthesizer Role = "synthesizer"
)

// Kind tags the decision a debate produces, e.g. "match_score" or
// "outreach_content". Per-kind parameters overlay the engine defaults.
type Kind string

// EntityPair names the two entities under debate. Immutable once a debate
// starts; the ids are opaque to the engine.
type EntityPair struct {
	AID  string `json:"a_id"`
	BID  string `json:"b_id"`
	Kind Kind   `json:"kind"`
}

func (p EntityPair) String() string {
	return fmt.Sprintf("%s|%s|%s", p.AID, p.BID, p.Kind)
}

// Fingerprint derives the cache key component from the pair plus the
// relevant input state (profile revisions, prompt variant). Deterministic:
// same inputs always map to the same key.
func (p EntityPair) Fingerprint(inputRev string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.AID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.BID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(inputRev))
	return fmt.Sprintf("%016x", h.Sum64())
}

// AgentOutput is one agent's position for one round. Owned by the State
// that recorded it and never mutated afterward.
type AgentOutput struct {
	Role       Role     `json:"role"`
	Round      int      `json:"round"`
	Score      float64  `json:"score"`      // 0-100
	Confidence float64  `json:"confidence"` // 0-1
	Evidence   []string `json:"evidence,omitempty"`
	Concerns   []string `json:"concerns,omitempty"`

	// HardExclusion is a domain signal, not an error: the agent found a
	// disqualifying condition and the debate must escalate regardless of
	// disagreement.
	HardExclusion   bool   `json:"hard_exclusion,omitempty"`
	ExclusionReason string `json:"exclusion_reason,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Synthesis is the synthesizer's merge of one round's opposing outputs.
type Synthesis struct {
	Round         int      `json:"round"`
	Score         float64  `json:"score"`
	Confidence    float64  `json:"confidence"`
	Rationale     string   `json:"rationale"`
	TalkingPoints []string `json:"talking_points,omitempty"`
	Concerns      []string `json:"concerns,omitempty"`
}

// Result is the finalized output of a completed debate.
type Result struct {
	Score         float64   `json:"score"`
	Confidence    float64   `json:"confidence"`
	Rationale     string    `json:"rationale"`
	TalkingPoints []string  `json:"talking_points,omitempty"`
	Concerns      []string  `json:"concerns,omitempty"`
	Rounds        int       `json:"rounds"`
	Disagreement  float64   `json:"disagreement"`
	TotalTokens   int       `json:"total_tokens"`
	ComputedAt    time.Time `json:"computed_at"`
}

// EscalationSignal carries the reason a debate could not settle on its own.
type EscalationSignal struct {
	Reason  string `json:"reason"`
	Round   int    `json:"round"`
	Exclude bool   `json:"exclude"` // set when a hard exclusion forced it
}

// Status is the debate lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDebating     Status = "debating"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusEscalated    Status = "escalated"
	StatusFailed       Status = "failed"
)

// allowedTransitions encodes the lifecycle. failed is reachable from every
// non-terminal state; synthesizing loops back to debating when the decision
// policy asks for another round.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusDebating: {},
		StatusFailed:   {},
	},
	StatusDebating: {
		StatusSynthesizing: {},
		StatusFailed:       {},
	},
	StatusSynthesizing: {
		StatusCompleted: {},
		StatusDebating:  {}, // regenerate with cross-feedback
		StatusEscalated: {},
		StatusFailed:    {},
	},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether a status ends the debate.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// State is the mutable run record for one debate. Owned by exactly one
// scheduler task at a time; persisted after every transition so an aborted
// run can be inspected and re-driven by the next cycle.
type State struct {
	ID        string     `json:"id"`
	Pair      EntityPair `json:"pair"`
	Round     int        `json:"round"` // 1-based, 0 before the first round
	MaxRounds int        `json:"max_rounds"`

	// History holds the opposing pair per round: History[i][0] is the
	// advocate, History[i][1] the skeptic, for round i+1.
	History   [][2]AgentOutput `json:"history"`
	Syntheses []Synthesis      `json:"syntheses"`

	Disagreement float64 `json:"disagreement"`
	Confidence   float64 `json:"confidence"`

	Status        Status            `json:"status"`
	Result        *Result           `json:"result,omitempty"`
	Escalation    *EscalationSignal `json:"escalation,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// transition moves the state, rejecting illegal edges.
func (s *State) transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("illegal debate transition %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}

// recordRound appends one round's opposing outputs, enforcing at most one
// output per (role, round).
func (s *State) recordRound(advocate, skeptic AgentOutput) error {
	if advocate.Round != s.Round || skeptic.Round != s.Round {
		return fmt.Errorf("round mismatch: advocate=%d skeptic=%d state=%d",
			advocate.Round, skeptic.Round, s.Round)
	}
	if len(s.History) >= s.Round {
		return fmt.Errorf("round %d already recorded", s.Round)
	}
	s.History = append(s.History, [2]AgentOutput{advocate, skeptic})
	return nil
}

// latestPair returns the most recent opposing outputs. Disagreement and
// confidence are always recomputed from these, never from older rounds.
func (s *State) latestPair() (AgentOutput, AgentOutput, bool) {
	if len(s.History) == 0 {
		return AgentOutput{}, AgentOutput{}, false
	}
	last := s.History[len(s.History)-1]
	return last[0], last[1], true
}

// totalTokens sums token accounting across all rounds.
func (s *State) totalTokens() int {
	var n int
	for _, pair := range s.History {
		n += pair[0].PromptTokens + pair[0].CompletionTokens
		n += pair[1].PromptTokens + pair[1].CompletionTokens
	}
	return n
}
