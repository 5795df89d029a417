// Package protocol defines the wire types exchanged over the message bus:
// response envelopes, moderation signals, arbitration outcomes, and the
// continue/conclude control record. Every type round-trips through JSON and
// ignores unknown fields, the way encoding/json already behaves for structs.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names for the pub/sub bus (spec.md §6).
const (
	TopicResponses   = "responses_channel"
	TopicModeration  = "moderation_channel"
	TopicArbitration = "arbitration_channel"
)

// Arbitration outcome statuses.
const (
	StatusConsensus        = "consensus"
	StatusStrongConfidence = "strong_confidence"
	StatusConcluded        = "concluded"
	StatusContinue         = "continue"
)

// Moderation signal flags.
const (
	FlagLoopDetected       = "loop_detected"
	FlagKillSwitch         = "kill_switch"
	FlagThresholdAdjusted  = "threshold_adjusted"
	FlagForcingDecision    = "forcing_decision"
	FlagFinalDecision      = "final_decision"
	FlagTimeout            = "timeout"
	FlagConsensus          = "consensus"
	FlagStrongConfidence   = "strong_confidence"
	FlagContinue           = "continue"
	FlagRefinement         = "refinement"
)

// ResponseEnvelope is published by a responder on the responses topic.
type ResponseEnvelope struct {
	DebateID   string    `json:"debate_id"`
	Round      int       `json:"round"`
	Agent      string    `json:"agent"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate enforces the minimal invariants that distinguish a usable
// envelope from a malformed one (spec.md §7(d)): a debate id must be
// present, the round must not be negative, and an agent must be named.
func (r ResponseEnvelope) Validate() error {
	if r.DebateID == "" {
		return fmt.Errorf("protocol: response envelope missing debate_id")
	}
	if r.Round < 0 {
		return fmt.Errorf("protocol: response envelope has negative round %d", r.Round)
	}
	if r.Agent == "" {
		return fmt.Errorf("protocol: response envelope missing agent")
	}
	return nil
}

// ModerationSignal is emitted by the DSM or the arbiter, fan-out only.
type ModerationSignal struct {
	DebateID  string    `json:"debate_id"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Speaker   string    `json:"speaker"`
	Message   string    `json:"message"`
	Flag      string    `json:"flag,omitempty"`
	Log       string    `json:"log"`
}

// FormatLog renders the human log line in the source's original style:
// "<from>: <State> phase—<speaker> up: <message>".
func FormatLog(from, state, speaker, message string) string {
	return fmt.Sprintf("%s: %s phase—%s up: %s", from, capitalize(state), speaker, message)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}

// NewModerationSignal builds a ModerationSignal with a populated Log
// field. from identifies the emitting role (e.g. "moderator", "arbiter")
// for the human log line; debateID scopes the signal to one debate.
func NewModerationSignal(debateID, from, state, speaker, message, flag string) ModerationSignal {
	return ModerationSignal{
		DebateID:  debateID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Speaker:   speaker,
		Message:   message,
		Flag:      flag,
		Log:       FormatLog(from, state, speaker, message),
	}
}

// DissentingView captures the second-highest-confidence response preserved
// alongside a concluded outcome's winner.
type DissentingView struct {
	Agent      string  `json:"agent"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// ArbitrationOutcome is the terminal record for a debate round or debate.
type ArbitrationOutcome struct {
	DebateID            string          `json:"debate_id"`
	Round               int             `json:"round"`
	Status              string          `json:"status"`
	Content             string          `json:"content"`
	Confidence          float64         `json:"confidence"`
	WinningAgent        string          `json:"winning_agent,omitempty"`
	ContributingAgents  []string        `json:"contributing_agents"`
	DissentingView      *DissentingView `json:"dissenting_view,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// ControlRecord asks the moderator for another round (status "continue").
// NextRound carries the round number to run next; it is 0 when the debate
// is not continuing (consensus, strong confidence, concluded, or an
// advisory-only record).
type ControlRecord struct {
	DebateID  string    `json:"debate_id"`
	Round     int       `json:"round"`
	Status    string    `json:"status"`
	NextRound int       `json:"next_round"`
	Timestamp time.Time `json:"timestamp"`
}

// Decode unmarshals a bus payload into dst, rejecting empty payloads up
// front so callers can treat decode errors uniformly as malformed input.
func Decode(payload []byte, dst interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("protocol: empty payload")
	}
	return json.Unmarshal(payload, dst)
}

// Encode marshals v to its canonical JSON wire form.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
