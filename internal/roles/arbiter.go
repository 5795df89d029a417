package roles

import (
	"github.com/neo/debate-orchestrator/internal/arbitration"
	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/embedding"
	"github.com/neo/debate-orchestrator/internal/history"
	"github.com/neo/debate-orchestrator/internal/runtime"
)

// Arbiter owns the arbitration engine: consensus checks, confidence
// checks, and final arbitration. Grounded on the original source's
// ClaudeAgent.
type Arbiter struct {
	Engine *arbitration.Engine
}

// NewArbiter constructs an Arbiter bound to the bus and config. store may
// be nil, which disables outcome persistence entirely.
func NewArbiter(b bus.Bus, embed embedding.Provider, store *history.Store, cfg *config.Config) *Arbiter {
	return &Arbiter{Engine: arbitration.New(b, embed, store, cfg)}
}

// Notes is this role's startup descriptor.
func (a *Arbiter) Notes() Notes {
	return Notes{Role: "Arbitration & Reconciliation", Description: "checks consensus and confidence, issues final decisions"}
}

// Handlers returns the runtime.Handlers wiring this arbiter into an
// agent runtime loop.
func (a *Arbiter) Handlers() runtime.Handlers {
	return runtime.Handlers{
		OnResponse:   a.Engine.ProcessResponse,
		OnModeration: a.Engine.ProcessModeration,
	}
}

// HealthCheck reports the arbiter's liveness, matching the original
// source's health_check, which adds active_debates and tools_loaded to
// the base status.
func (a *Arbiter) HealthCheck() HealthStatus {
	return HealthStatus{
		Role:   "arbiter",
		Status: "ok",
		Extra: map[string]interface{}{
			"active_debates": a.Engine.ActiveDebateCount(),
		},
	}
}
