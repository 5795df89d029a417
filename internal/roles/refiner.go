package roles

import (
	"context"
	"fmt"
	"time"

	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/cache"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/llm"
	"github.com/neo/debate-orchestrator/internal/protocol"
	"github.com/neo/debate-orchestrator/internal/runtime"
	"github.com/neo/debate-orchestrator/internal/stream"
)

// Refiner is a model-backed participant that consumes another agent's
// response and sharpens it, the way the original source's
// gpt_agent.py.process_response reacts to every message on the responses
// channel: it never invents an opening argument, it reworks the one it
// was just handed. Grounded on the teacher's Agent.GenerateResponse,
// generalized from a fixed two-sentence single-model response into the
// cache-wrapped, confidence-reporting llm.Client call the protocol's
// ResponseEnvelope expects.
type Refiner struct {
	Name         string
	SystemPrompt string

	client llm.Client
	cache  *cache.Cache
	bus    bus.Bus
	pusher stream.Pusher
	cfg    *config.Config
}

// NewRefiner constructs a Refiner named name, using client for
// generation and c for the cache-aside retry policy. pusher may be nil,
// which disables the observer websocket push for this refiner's
// refinement signals.
func NewRefiner(name, systemPrompt string, client llm.Client, c *cache.Cache, b bus.Bus, pusher stream.Pusher, cfg *config.Config) *Refiner {
	return &Refiner{
		Name:         name,
		SystemPrompt: systemPrompt,
		client:       client,
		cache:        c,
		bus:          b,
		pusher:       pusher,
		cfg:          cfg,
	}
}

// Notes is this role's startup descriptor.
func (r *Refiner) Notes() Notes {
	return Notes{Role: fmt.Sprintf("%s refiner", r.Name), Description: r.SystemPrompt}
}

// Handlers wires Refine into the agent runtime's OnResponse callback:
// every response envelope on the responses topic, except this refiner's
// own prior output, is a candidate for refinement.
func (r *Refiner) Handlers() runtime.Handlers {
	return runtime.Handlers{
		OnResponse: func(ctx context.Context, resp protocol.ResponseEnvelope) error {
			if resp.Agent == r.Name {
				return nil
			}
			_, err := r.Refine(ctx, resp)
			return err
		},
	}
}

// Refine consumes incoming, a prior response from another agent, and
// generates a sharpened version of it: the LLM sees the original content
// as the thing to refine, but the published envelope preserves
// incoming's confidence rather than whatever the model reports, since
// the refinement is a rewording of an already-scored argument, not a new
// claim. It republishes the refined response under this refiner's own
// role tag and emits a "refinement" moderation signal so the arbiter and
// any observer stream see the turn happened.
func (r *Refiner) Refine(ctx context.Context, incoming protocol.ResponseEnvelope) (protocol.ResponseEnvelope, error) {
	prompt := fmt.Sprintf("Refine and strengthen the following argument by %s:\n\n%s", incoming.Agent, incoming.Content)
	generated, err := llm.CachedGenerate(ctx, r.client, r.cache, r.Name, r.SystemPrompt, prompt)
	if err != nil {
		return protocol.ResponseEnvelope{}, fmt.Errorf("refiner %s: generate: %w", r.Name, err)
	}

	env := protocol.ResponseEnvelope{
		DebateID:   incoming.DebateID,
		Round:      incoming.Round,
		Agent:      r.Name,
		Content:    generated.Content,
		Confidence: incoming.Confidence,
		Reasoning:  generated.Reasoning,
		Timestamp:  time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return protocol.ResponseEnvelope{}, fmt.Errorf("refiner %s: invalid envelope: %w", r.Name, err)
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		return protocol.ResponseEnvelope{}, fmt.Errorf("refiner %s: encode: %w", r.Name, err)
	}
	if err := r.bus.Publish(ctx, r.cfg.TopicResponses, payload); err != nil {
		return protocol.ResponseEnvelope{}, fmt.Errorf("refiner %s: publish: %w", r.Name, err)
	}

	sig := protocol.NewModerationSignal(incoming.DebateID, r.Name, "refine", r.Name,
		fmt.Sprintf("refined %s's response", incoming.Agent), protocol.FlagRefinement)
	sigPayload, err := protocol.Encode(sig)
	if err != nil {
		return env, fmt.Errorf("refiner %s: encode signal: %w", r.Name, err)
	}
	if err := r.bus.Publish(ctx, r.cfg.TopicModeration, sigPayload); err != nil {
		return env, fmt.Errorf("refiner %s: publish signal: %w", r.Name, err)
	}
	if r.pusher != nil {
		if err := r.pusher.Push(ctx, sig); err != nil {
			return env, fmt.Errorf("refiner %s: push signal: %w", r.Name, err)
		}
	}

	return env, nil
}

// HealthCheck reports the refiner's liveness.
func (r *Refiner) HealthCheck() HealthStatus {
	return HealthStatus{
		Role:   r.Name,
		Status: "ok",
	}
}
