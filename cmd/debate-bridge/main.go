// Command debate-bridge exposes the moderation channel to external
// observers over a websocket, bridging the internal bus to the world the
// way websocket_streaming/main.py's FastAPI endpoint does in the original
// source. It reuses the teacher's gin router setup (internal/server's
// CORS middleware, websocket.Upgrader) and its JWT auth package for
// observer authentication, a supplemented feature the distilled spec
// left implicit. An optional HTTP/3 listener is available behind
// ENABLE_HTTP3, using the quic-go dependency the teacher already
// declares but never wires into its own server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"

	"github.com/neo/debate-orchestrator/internal/auth"
	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/bus/redisbus"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/logging"
	"github.com/neo/debate-orchestrator/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

func main() {
	cfg := config.Load()
	if err := logging.InitDefaultLogger(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Prefix:  "debate-bridge",
		Colored: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logging.Fatal("JWT_SECRET is not set")
	}
	authenticator := auth.New(auth.Config{JWTSecret: jwtSecret, TokenDuration: 24 * time.Hour})

	b := redisbus.New(redisbus.Options{Host: cfg.RedisHost, Port: cfg.RedisPort})
	defer b.Close()

	router := gin.Default()
	router.Use(corsMiddleware())
	router.GET("/ws/moderation", authenticator.Middleware(), bridgeHandler(b, cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := os.Getenv("BRIDGE_PORT")
	if port == "" {
		port = "8000"
	}
	addr := ":" + port

	if os.Getenv("ENABLE_HTTP3") == "true" {
		certFile, keyFile := os.Getenv("TLS_CERT_FILE"), os.Getenv("TLS_KEY_FILE")
		if certFile == "" || keyFile == "" {
			logging.Fatal("ENABLE_HTTP3 requires TLS_CERT_FILE and TLS_KEY_FILE")
		}
		srv := &http3.Server{Addr: addr, Handler: router}
		go func() {
			if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
				logging.Fatal("http3 server error", map[string]interface{}{"error": err.Error()})
			}
		}()
		<-ctx.Done()
		_ = srv.Close()
		return
	}

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("http server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HeartbeatExpiry)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// bridgeHandler upgrades the request to a websocket and forwards every
// moderation-channel message to it until the client disconnects, the
// same poll-and-forward shape websocket_streaming/main.py uses.
func bridgeHandler(b bus.Bus, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Error("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}
		defer conn.Close()

		sub, err := b.Subscribe(c.Request.Context(), cfg.TopicModeration)
		if err != nil {
			logging.Error("bridge subscribe failed", map[string]interface{}{"error": err.Error()})
			return
		}
		defer sub.Close()

		var writeMu sync.Mutex
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var sig protocol.ModerationSignal
				if err := protocol.Decode(msg.Payload, &sig); err != nil {
					logging.LogBusEvent("bridge_malformed_signal_dropped", msg.Topic, map[string]interface{}{"error": err.Error()})
					continue
				}
				writeMu.Lock()
				err := conn.WriteJSON(sig)
				writeMu.Unlock()
				if err != nil {
					logging.Error("bridge write failed", map[string]interface{}{"error": err.Error()})
					return
				}
			}
		}
	}
}
