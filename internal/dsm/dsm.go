// Package dsm implements the Debate State Machine: the moderator's phase
// cycle, speaker rotation, stagnation tracking, loop detection, and the
// deadlock kill switch (spec.md §4.1).
package dsm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/embedding"
	"github.com/neo/debate-orchestrator/internal/logging"
	"github.com/neo/debate-orchestrator/internal/protocol"
	"github.com/neo/debate-orchestrator/internal/stream"
)

// debateStateKey and currentSpeakerKey are the keyed bus slots an
// observer can poll directly instead of subscribing to the moderation
// channel, matching the original source's BaseAgent, which writes both
// on every moderator turn via redis.set(key, val, ex=ttl).
const (
	debateStateKey    = "debate_state"
	currentSpeakerKey = "current_speaker"
)

// Phases is the fixed phase cycle every debate runs through.
var Phases = []string{"propose", "critique", "refine", "conclude"}

// loopSimilarityThreshold is the cosine similarity above which two
// consecutive history entries are considered a repeating loop.
const loopSimilarityThreshold = 0.87

// deadlockStagnationLimit is the number of consecutive turns without
// phase progress that triggers deadlock detection.
const deadlockStagnationLimit = 3

// Machine is one debate's moderator state: phase, speaker, stagnation
// counter, and bounded turn history. A Machine is process-owned and
// mutex-protected; it is not shared across processes (the bus is used to
// mirror state for observers, not to coordinate writers).
type Machine struct {
	mu sync.Mutex

	debateID string
	speakers []string

	phaseIdx   int
	speakerIdx int

	turnsSinceProgress int

	history    []string
	maxHistory int

	embed  embedding.Provider
	bus    bus.Bus
	pusher stream.Pusher

	topicModeration string
	stateTTL        time.Duration
}

// New returns a Machine at phase 0, speaker 0, for debateID. pusher may be
// nil, in which case no observer stream receives this debate's signals.
func New(debateID string, speakers []string, embed embedding.Provider, b bus.Bus, pusher stream.Pusher, cfg *config.Config) *Machine {
	return &Machine{
		debateID:        debateID,
		speakers:        append([]string(nil), speakers...),
		maxHistory:      cfg.MaxHistorySize,
		embed:           embed,
		bus:             b,
		pusher:          pusher,
		topicModeration: cfg.TopicModeration,
		stateTTL:        cfg.DebateTimeout,
	}
}

// CurrentPhase returns the active phase name.
func (m *Machine) CurrentPhase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Phases[m.phaseIdx]
}

// CurrentSpeaker returns the agent expected to speak next.
func (m *Machine) CurrentSpeaker() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speakers[m.speakerIdx]
}

// IsKnownSpeaker reports whether agent is one of this debate's
// configured speakers, resolving the unknown-role-is-malformed decision
// (spec.md Open Question (b)): callers reject and drop any response from
// an agent that fails this check before it reaches history or arbitration.
func (m *Machine) IsKnownSpeaker(agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.speakers {
		if s == agent {
			return true
		}
	}
	return false
}

// ProcessResponse folds one validated response into the debate: it
// appends the content to bounded history, then runs moderation in the
// order the original moderator does — loop check, then (if enabled)
// deadlock check, each of which short-circuits the turn advance — and
// only calls NextTurn when neither fired. It returns every moderation
// signal produced this call, in emission order.
func (m *Machine) ProcessResponse(ctx context.Context, content string, deadlockDetectionEnabled bool) ([]protocol.ModerationSignal, error) {
	m.addHistory(content)

	var signals []protocol.ModerationSignal

	loop, err := m.DetectLoop()
	if err != nil {
		return nil, fmt.Errorf("dsm: detect loop: %w", err)
	}
	if loop {
		sig := m.HandleLoop()
		if err := m.publish(ctx, sig); err != nil {
			return nil, err
		}
		return append(signals, sig), nil
	}

	if deadlockDetectionEnabled && m.DetectDeadlock() {
		sig := m.KillSwitch()
		if err := m.publish(ctx, sig); err != nil {
			return nil, err
		}
		return append(signals, sig), nil
	}

	sig := m.NextTurn()
	if err := m.publish(ctx, sig); err != nil {
		return nil, err
	}
	return append(signals, sig), nil
}

// NextTurn advances the phase cycle, rotates the speaker, and updates the
// stagnation counter: reaching a later phase than propose resets the
// counter, repeating propose increments it.
func (m *Machine) NextTurn() protocol.ModerationSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phaseIdx = (m.phaseIdx + 1) % len(Phases)
	m.speakerIdx = (m.speakerIdx + 1) % len(m.speakers)

	if m.phaseIdx > 0 {
		m.turnsSinceProgress = 0
	} else {
		m.turnsSinceProgress++
	}

	logging.LogModerationEvent("next_turn", m.debateID, Phases[m.phaseIdx], m.speakers[m.speakerIdx], map[string]interface{}{
		"turns_since_progress": m.turnsSinceProgress,
	})

	return protocol.NewModerationSignal(m.debateID, "moderator", Phases[m.phaseIdx], m.speakers[m.speakerIdx],
		"next_turn", protocol.FlagContinue)
}

// DetectLoop compares the embedding of the two most recent history
// entries; a cosine similarity above loopSimilarityThreshold means the
// debate is repeating itself.
func (m *Machine) DetectLoop() (bool, error) {
	m.mu.Lock()
	if len(m.history) < 2 {
		m.mu.Unlock()
		return false, nil
	}
	last, prev := m.history[len(m.history)-1], m.history[len(m.history)-2]
	m.mu.Unlock()

	vectors, err := m.embed.Embed([]string{last, prev})
	if err != nil {
		return false, err
	}
	return m.embed.Cosine(vectors[0], vectors[1]) > loopSimilarityThreshold, nil
}

// DetectDeadlock reports whether the debate has stalled in propose for
// deadlockStagnationLimit consecutive turns.
func (m *Machine) DetectDeadlock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnsSinceProgress >= deadlockStagnationLimit
}

// HandleLoop advances the phase forward (clamped at the last phase,
// never wrapping) without rotating the speaker, and flags the debate as
// looped so the arbiter can react.
func (m *Machine) HandleLoop() protocol.ModerationSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phaseIdx < len(Phases)-1 {
		m.phaseIdx++
	}

	logging.LogModerationEvent("loop_detected", m.debateID, Phases[m.phaseIdx], m.speakers[m.speakerIdx], nil)

	return protocol.NewModerationSignal(m.debateID, "moderator", Phases[m.phaseIdx], m.speakers[m.speakerIdx],
		"loop detected, forcing phase advance", protocol.FlagLoopDetected)
}

// KillSwitch resets the phase cycle and stagnation counter to their
// initial state and flags the debate for the arbiter's attention. The
// signal's message carries a short summary of the last entries in
// history, matching the original moderator's kill-switch behavior.
func (m *Machine) KillSwitch() protocol.ModerationSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := m.summaryLocked(3)
	m.phaseIdx = 0
	m.turnsSinceProgress = 0

	logging.LogModerationEvent("kill_switch", m.debateID, Phases[m.phaseIdx], m.speakers[m.speakerIdx], map[string]interface{}{
		"summary": summary,
	})

	return protocol.NewModerationSignal(m.debateID, "moderator", Phases[m.phaseIdx], m.speakers[m.speakerIdx],
		"deadlock detected: "+summary, protocol.FlagKillSwitch)
}

func (m *Machine) addHistory(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, content)
	if m.maxHistory > 0 && len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

func (m *Machine) summaryLocked(n int) string {
	if n > len(m.history) {
		n = len(m.history)
	}
	return strings.Join(m.history[len(m.history)-n:], " | ")
}

// ClearHistory empties the bounded history, used when the arbiter signals
// the debate has concluded or timed out.
func (m *Machine) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// Reset returns the machine to phase 0, speaker 0, with a zeroed
// stagnation counter, used on a timeout signal.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseIdx = 0
	m.speakerIdx = 0
	m.turnsSinceProgress = 0
}

// publish fans the signal out three ways: the moderation pub/sub topic
// for subscribed roles, the debate_state/current_speaker keyed slots an
// observer can poll directly, and the optional stream.Pusher for
// websocket observers.
func (m *Machine) publish(ctx context.Context, sig protocol.ModerationSignal) error {
	payload, err := protocol.Encode(sig)
	if err != nil {
		return fmt.Errorf("dsm: encode moderation signal: %w", err)
	}
	if err := m.bus.Publish(ctx, m.topicModeration, payload); err != nil {
		return err
	}

	if err := m.bus.Set(ctx, debateStateKey, []byte(sig.State), m.stateTTL); err != nil {
		return fmt.Errorf("dsm: set debate_state: %w", err)
	}
	if err := m.bus.Set(ctx, currentSpeakerKey, []byte(sig.Speaker), m.stateTTL); err != nil {
		return fmt.Errorf("dsm: set current_speaker: %w", err)
	}

	if m.pusher != nil {
		if err := m.pusher.Push(ctx, sig); err != nil {
			logging.LogBusEvent("stream_push_error", sig.DebateID, map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}
