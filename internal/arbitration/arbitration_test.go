package arbitration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debate-orchestrator/internal/arbitration"
	"github.com/neo/debate-orchestrator/internal/bus/inmemory"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/embedding"
	"github.com/neo/debate-orchestrator/internal/history"
	"github.com/neo/debate-orchestrator/internal/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		ConfidenceThreshold: 0.25,
		ConsensusThreshold:  0.15,
		MinDebateRounds:     2,
		MaxDebateRounds:     4,
		MaxHistorySize:      10,
		Responders:          3,
		DebateTimeout:       30 * time.Second,
		TopicModeration:     "moderation_channel",
		TopicArbitration:    "arbitration_channel",
	}
}

func response(debateID, agent, content string, round int, confidence float64) protocol.ResponseEnvelope {
	return protocol.ResponseEnvelope{
		DebateID:   debateID,
		Round:      round,
		Agent:      agent,
		Content:    content,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

func TestProcessResponseDropsMalformedEnvelope(t *testing.T) {
	b := inmemory.New()
	e := arbitration.New(b, embedding.NewLocalHashProvider(), nil, testConfig())

	err := e.ProcessResponse(context.Background(), protocol.ResponseEnvelope{Round: 0})
	assert.NoError(t, err, "malformed responses are dropped, not errored")
}

func TestProcessResponseTriggersRoundArbitrationAtResponderCount(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	e := arbitration.New(b, embedding.NewLocalHashProvider(), nil, cfg)

	sub, err := b.Subscribe(context.Background(), cfg.TopicArbitration)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, e.ProcessResponse(ctx, response("d1", "moderator", "we should invest in rail", 1, 0.4)))
	require.NoError(t, e.ProcessResponse(ctx, response("d1", "arbiter", "rail is inefficient here", 1, 0.5)))
	require.NoError(t, e.ProcessResponse(ctx, response("d1", "refiner", "a hybrid approach works best", 1, 0.9)))

	select {
	case msg := <-sub.Channel():
		var outcome protocol.ArbitrationOutcome
		require.NoError(t, protocol.Decode(msg.Payload, &outcome))
		assert.Equal(t, "d1", outcome.DebateID)
	case <-time.After(time.Second):
		t.Fatal("expected an arbitration outcome to be published")
	}
}

func TestFinalArbitrationPicksWinnerAndDissent(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	e := arbitration.New(b, embedding.NewLocalHashProvider(), nil, cfg)

	sub, err := b.Subscribe(context.Background(), cfg.TopicArbitration)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, e.ProcessResponse(ctx, response("d2", "moderator", "proposal one", 4, 0.3)))
	require.NoError(t, e.ProcessResponse(ctx, response("d2", "arbiter", "proposal two", 4, 0.95)))
	require.NoError(t, e.ProcessResponse(ctx, response("d2", "refiner", "proposal three", 4, 0.6)))

	sig := protocol.ModerationSignal{DebateID: "d2", Flag: "conclude"}
	require.NoError(t, e.ProcessModeration(ctx, sig))

	var concluded *protocol.ArbitrationOutcome
	for concluded == nil {
		select {
		case msg := <-sub.Channel():
			var outcome protocol.ArbitrationOutcome
			require.NoError(t, protocol.Decode(msg.Payload, &outcome))
			if outcome.Status == protocol.StatusConcluded {
				concluded = &outcome
			}
		case <-time.After(time.Second):
			t.Fatal("expected a concluded arbitration outcome to be published")
		}
	}
	assert.Equal(t, "arbiter", concluded.WinningAgent)
	require.NotNil(t, concluded.DissentingView)
	assert.Equal(t, "refiner", concluded.DissentingView.Agent)
}

func TestDoubleFireTimeoutIsIdempotent(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	e := arbitration.New(b, embedding.NewLocalHashProvider(), nil, cfg)

	ctx := context.Background()
	require.NoError(t, e.ProcessResponse(ctx, response("d3", "moderator", "a", 1, 0.5)))

	sig := protocol.ModerationSignal{DebateID: "d3", Flag: protocol.FlagTimeout}
	require.NoError(t, e.ProcessModeration(ctx, sig))
	require.NoError(t, e.ProcessModeration(ctx, sig))
}

// TestContinueControlRecordCarriesNextRoundNumber exercises scenario S3: a
// round that neither reaches consensus nor strong confidence nor the max
// round count publishes a "continue" control record naming the round to
// run next, not just a boolean.
func TestContinueControlRecordCarriesNextRoundNumber(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	e := arbitration.New(b, embedding.NewLocalHashProvider(), nil, cfg)

	sub, err := b.Subscribe(context.Background(), cfg.TopicModeration)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, e.ProcessResponse(ctx, response("d4", "moderator", "we should invest in rail transit", 1, 0.5)))
	require.NoError(t, e.ProcessResponse(ctx, response("d4", "arbiter", "quantum entanglement defies locality", 1, 0.52)))
	require.NoError(t, e.ProcessResponse(ctx, response("d4", "refiner", "migratory birds navigate by magnetism", 1, 0.48)))

	select {
	case msg := <-sub.Channel():
		var control protocol.ControlRecord
		require.NoError(t, protocol.Decode(msg.Payload, &control))
		assert.Equal(t, protocol.StatusContinue, control.Status)
		assert.Equal(t, 2, control.NextRound)
	case <-time.After(time.Second):
		t.Fatal("expected a continue control record on the moderation channel")
	}
}

// TestCheckConsensusFallsBackToJaccardWithoutEmbeddingProvider confirms
// checkConsensus never dereferences a nil embedding.Provider: with embed
// unset, near-identical responses still reach consensus via the Jaccard
// word-set fallback.
func TestCheckConsensusFallsBackToJaccardWithoutEmbeddingProvider(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	e := arbitration.New(b, nil, nil, cfg)

	sub, err := b.Subscribe(context.Background(), cfg.TopicArbitration)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, e.ProcessResponse(ctx, response("d5", "moderator", "we should adopt the new proposal now", 1, 0.6)))
	require.NoError(t, e.ProcessResponse(ctx, response("d5", "arbiter", "we should adopt the new proposal now", 1, 0.7)))
	require.NoError(t, e.ProcessResponse(ctx, response("d5", "refiner", "we should adopt the new proposal now", 1, 0.8)))

	select {
	case msg := <-sub.Channel():
		var outcome protocol.ArbitrationOutcome
		require.NoError(t, protocol.Decode(msg.Payload, &outcome))
		assert.Equal(t, protocol.StatusConsensus, outcome.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a consensus outcome from the Jaccard fallback")
	}
}

func TestFinalArbitrationPersistsToHistoryStore(t *testing.T) {
	store, err := history.Open(t.TempDir(), 10)
	require.NoError(t, err)
	defer store.Close()

	b := inmemory.New()
	cfg := testConfig()
	e := arbitration.New(b, embedding.NewLocalHashProvider(), store, cfg)

	ctx := context.Background()
	require.NoError(t, e.ProcessResponse(ctx, response("d6", "moderator", "proposal one", 4, 0.3)))
	require.NoError(t, e.ProcessResponse(ctx, response("d6", "arbiter", "proposal two", 4, 0.95)))
	require.NoError(t, e.ProcessResponse(ctx, response("d6", "refiner", "proposal three", 4, 0.6)))

	sig := protocol.ModerationSignal{DebateID: "d6", Flag: "conclude"}
	require.NoError(t, e.ProcessModeration(ctx, sig))

	saved, err := store.ForDebate(ctx, "d6")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "arbiter", saved[0].WinningAgent)
}

func TestHydrateRestoresCompletedDebatesFromHistory(t *testing.T) {
	store, err := history.Open(t.TempDir(), 10)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &protocol.ArbitrationOutcome{
		DebateID: "d7", Round: 2, Status: protocol.StatusConcluded, Timestamp: time.Now().UTC(),
	}))

	b := inmemory.New()
	e := arbitration.New(b, embedding.NewLocalHashProvider(), store, testConfig())
	require.NoError(t, e.Hydrate(ctx))

	assert.Equal(t, 1, e.ActiveDebateCount())
}
