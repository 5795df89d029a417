package roles

import (
	"context"

	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/dsm"
	"github.com/neo/debate-orchestrator/internal/embedding"
	"github.com/neo/debate-orchestrator/internal/logging"
	"github.com/neo/debate-orchestrator/internal/protocol"
	"github.com/neo/debate-orchestrator/internal/runtime"
	"github.com/neo/debate-orchestrator/internal/stream"
)

// Moderator owns the debate's state machine: phase, speaker rotation,
// loop and deadlock detection. Grounded on the original source's
// GrokAgent.
type Moderator struct {
	DebateID string
	Machine  *dsm.Machine
	cfg      *config.Config
}

// NewModerator constructs a Moderator with a fresh state machine. pusher
// may be nil, which disables the observer websocket push entirely.
func NewModerator(debateID string, speakers []string, embed embedding.Provider, b bus.Bus, pusher stream.Pusher, cfg *config.Config) *Moderator {
	return &Moderator{
		DebateID: debateID,
		Machine:  dsm.New(debateID, speakers, embed, b, pusher, cfg),
		cfg:      cfg,
	}
}

// Notes is this role's startup descriptor.
func (m *Moderator) Notes() Notes {
	return Notes{Role: "Moderation & Orchestration", Description: "drives the debate's phase cycle and detects loops and deadlocks"}
}

// Handlers returns the runtime.Handlers wiring this moderator into an
// agent runtime loop.
func (m *Moderator) Handlers() runtime.Handlers {
	return runtime.Handlers{
		OnResponse:   m.handleResponse,
		OnModeration: m.handleModeration,
	}
}

// handleResponse drops any response from an agent outside this debate's
// speaker roster (spec.md Open Question (b)) and otherwise folds the
// response into the state machine.
func (m *Moderator) handleResponse(ctx context.Context, resp protocol.ResponseEnvelope) error {
	if !m.Machine.IsKnownSpeaker(resp.Agent) {
		logging.LogModerationEvent("unknown_speaker_dropped", resp.DebateID, m.Machine.CurrentPhase(), resp.Agent, nil)
		return nil
	}
	_, err := m.Machine.ProcessResponse(ctx, resp.Content, m.cfg.EnableDeadlockDetection)
	return err
}

// handleModeration reacts to arbitration-originated control signals:
// "timeout" resets the cycle and clears history, "continue" clears
// history for the next round, and loop/kill-switch signals are already
// the moderator's own output — acknowledged but otherwise a no-op here,
// matching the original moderator's process_moderation.
func (m *Moderator) handleModeration(ctx context.Context, sig protocol.ModerationSignal) error {
	switch sig.Flag {
	case protocol.FlagTimeout:
		m.Machine.Reset()
		m.Machine.ClearHistory()
	case protocol.FlagContinue:
		m.Machine.ClearHistory()
	}
	return nil
}

// HealthCheck reports the moderator's current phase and speaker.
func (m *Moderator) HealthCheck() HealthStatus {
	return HealthStatus{
		Role:   "moderator",
		Status: "ok",
		Extra: map[string]interface{}{
			"phase":   m.Machine.CurrentPhase(),
			"speaker": m.Machine.CurrentSpeaker(),
		},
	}
}
