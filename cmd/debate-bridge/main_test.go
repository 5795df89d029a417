package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/neo/debate-orchestrator/internal/auth"
	"github.com/neo/debate-orchestrator/internal/bus/inmemory"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/protocol"
)

func newTestAuthenticator() *auth.Auth {
	return auth.New(auth.Config{JWTSecret: "test-secret"})
}

func testConfig() *config.Config {
	return &config.Config{
		TopicModeration:  "moderation_channel",
		TopicArbitration: "arbitration_channel",
		HeartbeatExpiry:  time.Second,
	}
}

func TestBridgeHandlerForwardsModerationSignals(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b := inmemory.New()
	cfg := testConfig()

	router := gin.New()
	router.GET("/ws/moderation", bridgeHandler(b, cfg))

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):] + "/ws/moderation"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sig := protocol.NewModerationSignal("d1", "moderator", "critique", "refiner", "next turn", protocol.FlagContinue)
	payload, err := protocol.Encode(sig)
	require.NoError(t, err)

	// Give the handler's Subscribe a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), cfg.TopicModeration, payload))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got protocol.ModerationSignal
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, sig.DebateID, got.DebateID)
	require.Equal(t, sig.Speaker, got.Speaker)
}

func TestObserverAuthRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/moderation", newTestAuthenticator().Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws/moderation")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
