package roles_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debate-orchestrator/internal/bus/inmemory"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/embedding"
	"github.com/neo/debate-orchestrator/internal/protocol"
	"github.com/neo/debate-orchestrator/internal/roles"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxHistorySize:          10,
		TopicModeration:         "moderation_channel",
		TopicResponses:          "responses_channel",
		TopicArbitration:        "arbitration_channel",
		EnableDeadlockDetection: true,
	}
}

func TestModeratorDropsResponseFromUnknownSpeaker(t *testing.T) {
	b := inmemory.New()
	m := roles.NewModerator("d1", []string{"moderator", "arbiter"}, embedding.NewLocalHashProvider(), b, nil, testConfig())

	handlers := m.Handlers()
	err := handlers.OnResponse(context.Background(), protocol.ResponseEnvelope{
		DebateID: "d1", Agent: "impostor", Content: "x",
	})
	assert.NoError(t, err)
	assert.Equal(t, "propose", m.Machine.CurrentPhase(), "unknown-speaker response must not advance the phase")
}

func TestModeratorAdvancesOnKnownSpeaker(t *testing.T) {
	b := inmemory.New()
	m := roles.NewModerator("d2", []string{"moderator", "arbiter"}, embedding.NewLocalHashProvider(), b, nil, testConfig())

	handlers := m.Handlers()
	require.NoError(t, handlers.OnResponse(context.Background(), protocol.ResponseEnvelope{
		DebateID: "d2", Agent: "moderator", Content: "an opening proposal",
	}))
	assert.Equal(t, "critique", m.Machine.CurrentPhase())
}

func TestArbiterHealthCheckReportsActiveDebates(t *testing.T) {
	b := inmemory.New()
	a := roles.NewArbiter(b, embedding.NewLocalHashProvider(), nil, testConfig())

	require.NoError(t, a.Engine.ProcessResponse(context.Background(), protocol.ResponseEnvelope{
		DebateID: "d3", Round: 1, Agent: "moderator", Content: "x", Confidence: 0.5,
	}))

	health := a.HealthCheck()
	assert.Equal(t, 1, health.Extra["active_debates"])
}
