// Package models defines the data types shared across the supervisor:
// conversation messages, the epistemic state machine, and the evidence,
// move, and query ledger records.
package models

import "time"

// Message roles. The loop only ever emits these three.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one history entry in the agent conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Status is the loop's self-assessment of progress.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusBlocked    Status = "BLOCKED"
	StatusUnresolved Status = "UNRESOLVED"
	StatusVerified   Status = "VERIFIED"
)

// EpistemicState tracks the loop status plus three deduplicated ordered
// lists of open conditions. A verified state clears all three.
type EpistemicState struct {
	Status      Status
	Constraints []string
	Blocked     []string
	Unresolved  []string
}

// NewEpistemicState returns a fresh IN_PROGRESS state.
func NewEpistemicState() *EpistemicState {
	return &EpistemicState{Status: StatusInProgress}
}

func appendUnique(list []string, text string) []string {
	if text == "" {
		return list
	}
	for _, item := range list {
		if item == text {
			return list
		}
	}
	return append(list, text)
}

// AddConstraint records a must-satisfy condition.
func (s *EpistemicState) AddConstraint(text string) {
	s.Constraints = appendUnique(s.Constraints, text)
}

// AddBlocked records an acquisition failure.
func (s *EpistemicState) AddBlocked(text string) {
	s.Blocked = appendUnique(s.Blocked, text)
}

// AddUnresolved records an open reason.
func (s *EpistemicState) AddUnresolved(text string) {
	s.Unresolved = appendUnique(s.Unresolved, text)
}

// SetVerified marks the task verified and clears all open lists.
// VERIFIED is terminal within a loop run.
func (s *EpistemicState) SetVerified() {
	s.Status = StatusVerified
	s.Constraints = nil
	s.Blocked = nil
	s.Unresolved = nil
}

// Observation is the outcome of one tool invocation as fed back to the
// model. Policy blocks synthesize observations without touching the
// sandbox; those carry only Error and ErrorType.
type Observation struct {
	ExitCode  *int   `json:"exit_code,omitempty"`
	Output    string `json:"output,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// ObservationClip is the bounded projection of an Observation stored in
// evidence records (output clipped to 2000 chars by the ledger).
type ObservationClip struct {
	ExitCode  *int   `json:"exit_code"`
	ErrorType string `json:"error_type,omitempty"`
	Error     string `json:"error,omitempty"`
	Output    string `json:"output"`
}

// EvidenceRecord is one appended line of evidence.jsonl. IDs are dense
// monotonic ev_NNNN labels; policy-blocked calls get an id too so every
// notes step block can cite one.
type EvidenceRecord struct {
	ID          string          `json:"id"`
	TS          float64         `json:"ts"`
	Step        int             `json:"step"`
	Tool        string          `json:"tool"`
	Args        map[string]any  `json:"args"`
	Obs         ObservationClip `json:"obs"`
	URLs        []string        `json:"urls"`
	FailureType string          `json:"failure_type,omitempty"`
}

// Move outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeBlocked = "blocked"
)

// MoveRecord is one appended line of move_ledger.jsonl: a tool call
// classified along its search dimensions.
type MoveRecord struct {
	ID          string  `json:"id"`
	TS          float64 `json:"ts"`
	Step        int     `json:"step"`
	Tool        string  `json:"tool"`
	Cmd         string  `json:"cmd"`
	URL         string  `json:"url,omitempty"`
	Domain      string  `json:"domain,omitempty"`
	Query       string  `json:"query,omitempty"`
	QueryFamily string  `json:"query_family,omitempty"`
	SourceClass string  `json:"source_class"`
	MoveType    string  `json:"move_type"`
	MoveSig     string  `json:"move_sig"`
	FailureType string  `json:"failure_type,omitempty"`
	Outcome     string  `json:"outcome"`
}

// QueryRecord is the query-dimension projection of a move, appended to
// query_ledger.jsonl.
type QueryRecord struct {
	ID          string  `json:"id"`
	TS          float64 `json:"ts"`
	Step        int     `json:"step"`
	URL         string  `json:"url,omitempty"`
	Domain      string  `json:"domain,omitempty"`
	Query       string  `json:"query,omitempty"`
	QueryFamily string  `json:"query_family,omitempty"`
	SourceClass string  `json:"source_class"`
	MoveType    string  `json:"move_type"`
	Outcome     string  `json:"outcome"`
}

// ToolCall is a normalized model tool invocation.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Cmd returns the shell command string of the call, or "".
func (c ToolCall) Cmd() string {
	if c.Args == nil {
		return ""
	}
	if cmd, ok := c.Args["cmd"].(string); ok {
		return cmd
	}
	return ""
}

// UnixNow returns the current time as float seconds, the timestamp
// format used across all JSONL artifacts.
func UnixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
