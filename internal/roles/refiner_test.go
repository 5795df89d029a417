package roles_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debate-orchestrator/internal/bus/inmemory"
	"github.com/neo/debate-orchestrator/internal/cache"
	"github.com/neo/debate-orchestrator/internal/llm"
	"github.com/neo/debate-orchestrator/internal/protocol"
	"github.com/neo/debate-orchestrator/internal/roles"
)

// fakeLLMClient always returns the configured response, regardless of the
// prompt it's handed.
type fakeLLMClient struct {
	resp llm.Response
	err  error
}

func (f *fakeLLMClient) Generate(ctx context.Context, role, systemPrompt, userPrompt string) (llm.Response, error) {
	return f.resp, f.err
}

// fakePusher records every signal pushed to it, standing in for a
// websocket observer connection.
type fakePusher struct {
	mu     sync.Mutex
	pushed []protocol.ModerationSignal
}

func (p *fakePusher) Push(ctx context.Context, sig protocol.ModerationSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, sig)
	return nil
}

func (p *fakePusher) Close() error { return nil }

func (p *fakePusher) signals() []protocol.ModerationSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ModerationSignal(nil), p.pushed...)
}

func TestRefinePreservesIncomingConfidenceNotGeneratedOne(t *testing.T) {
	b := inmemory.New()
	client := &fakeLLMClient{resp: llm.Response{Content: "a sharper argument", Confidence: 0.99, Reasoning: "because"}}
	r := roles.NewRefiner("refiner", "argue your position", client, cache.New(b, 0, false), b, nil, testConfig())

	incoming := protocol.ResponseEnvelope{
		DebateID: "d1", Round: 1, Agent: "moderator", Content: "an opening proposal", Confidence: 0.42,
	}

	env, err := r.Refine(context.Background(), incoming)
	require.NoError(t, err)

	assert.Equal(t, "a sharper argument", env.Content)
	assert.Equal(t, 0.42, env.Confidence, "refined envelope must keep the incoming response's confidence, not the model's")
	assert.Equal(t, "refiner", env.Agent)
}

func TestRefineEmitsRefinementFlaggedModerationSignal(t *testing.T) {
	b := inmemory.New()
	client := &fakeLLMClient{resp: llm.Response{Content: "a sharper argument", Confidence: 0.9}}
	pusher := &fakePusher{}
	r := roles.NewRefiner("refiner", "argue your position", client, cache.New(b, 0, false), b, pusher, testConfig())

	sub, err := b.Subscribe(context.Background(), testConfig().TopicModeration)
	require.NoError(t, err)
	defer sub.Close()

	_, err = r.Refine(context.Background(), protocol.ResponseEnvelope{
		DebateID: "d2", Round: 1, Agent: "moderator", Content: "an opening proposal", Confidence: 0.5,
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		var sig protocol.ModerationSignal
		require.NoError(t, protocol.Decode(msg.Payload, &sig))
		assert.Equal(t, protocol.FlagRefinement, sig.Flag)
	default:
		t.Fatal("expected a moderation signal to be published")
	}

	require.Len(t, pusher.signals(), 1, "the refinement signal must also reach the observer stream")
	assert.Equal(t, protocol.FlagRefinement, pusher.signals()[0].Flag)
}

func TestRefinerHandlersSkipsItsOwnPriorResponse(t *testing.T) {
	b := inmemory.New()
	client := &fakeLLMClient{resp: llm.Response{Content: "should never be called"}}
	r := roles.NewRefiner("refiner", "argue your position", client, cache.New(b, 0, false), b, nil, testConfig())

	err := r.Handlers().OnResponse(context.Background(), protocol.ResponseEnvelope{
		DebateID: "d3", Round: 1, Agent: "refiner", Content: "its own earlier output", Confidence: 0.5,
	})
	assert.NoError(t, err)
}
