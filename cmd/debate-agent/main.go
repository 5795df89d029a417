// Command debate-agent runs a single debate participant process: a
// moderator, an arbiter, or a named refiner, depending on the ROLE
// environment variable. Grounded on the teacher's cmd/main.go startup
// sequence (godotenv, os.Getenv + Fatalf for required secrets, per-agent
// config loading), generalized from one hardcoded ConvinceMe binary into
// one binary that is instantiated once per role.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/neo/debate-orchestrator/internal/bus/redisbus"
	"github.com/neo/debate-orchestrator/internal/cache"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/embedding"
	"github.com/neo/debate-orchestrator/internal/history"
	"github.com/neo/debate-orchestrator/internal/llm"
	"github.com/neo/debate-orchestrator/internal/logging"
	"github.com/neo/debate-orchestrator/internal/roles"
	"github.com/neo/debate-orchestrator/internal/runtime"
	"github.com/neo/debate-orchestrator/internal/stream"
)

func main() {
	cfg := config.Load()
	if err := logging.InitDefaultLogger(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Prefix:  "debate-agent",
		Colored: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	role := strings.ToLower(os.Getenv("ROLE"))
	if role == "" {
		logging.Fatal("ROLE is not set; expected moderator, arbiter, or a refiner name")
	}

	debateID := os.Getenv("DEBATE_ID")
	if debateID == "" {
		debateID = uuid.NewString()
	}

	speakers := []string{"moderator", "arbiter", "refiner"}
	if override := os.Getenv("SPEAKERS"); override != "" {
		speakers = strings.Split(override, ",")
	}

	b := redisbus.New(redisbus.Options{Host: cfg.RedisHost, Port: cfg.RedisPort})
	defer b.Close()

	embed := embedding.NewLocalHashProvider()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed observer stream connection is fatal at startup (spec.md
	// §7(f)): a role that can't report to observers should not silently
	// run dark.
	var pusher stream.Pusher
	if cfg.WSURI != "" {
		p, err := stream.Dial(ctx, cfg.WSURI)
		if err != nil {
			logging.Fatal("failed to connect to observer stream", map[string]interface{}{"error": err.Error()})
		}
		defer p.Close()
		pusher = p
	}

	var runErr error
	switch {
	case role == "moderator":
		runErr = runModerator(ctx, debateID, speakers, embed, b, pusher, cfg)
	case role == "arbiter":
		runErr = runArbiter(ctx, debateID, embed, b, cfg)
	default:
		runErr = runRefiner(ctx, debateID, role, b, pusher, cfg)
	}

	if runErr != nil {
		logging.Fatal("agent exited with error", map[string]interface{}{"role": role, "error": runErr.Error()})
	}
}

func runModerator(ctx context.Context, debateID string, speakers []string, embed embedding.Provider, b *redisbus.Bus, pusher stream.Pusher, cfg *config.Config) error {
	moderator := roles.NewModerator(debateID, speakers, embed, b, pusher, cfg)
	agent := &runtime.Agent{
		Role:     "moderator",
		DebateID: debateID,
		Bus:      b,
		Cfg:      cfg,
		Handlers: moderator.Handlers(),
	}
	return agent.Run(ctx, moderator.Notes().Encode())
}

// runArbiter opens the durable outcome store, if DATA_DIR is usable, and
// hydrates the engine's in-memory view from it before joining the bus: a
// restarted arbiter should remember debates it already concluded rather
// than re-arbitrating them. The arbiter never emits a ModerationSignal, so
// unlike the moderator and refiner roles it has no observer pusher to wire.
func runArbiter(ctx context.Context, debateID string, embed embedding.Provider, b *redisbus.Bus, cfg *config.Config) error {
	store, err := history.Open(cfg.DataDir, cfg.MaxHistorySize)
	if err != nil {
		logging.Error("failed to open history store, continuing without outcome persistence", map[string]interface{}{"error": err.Error()})
	} else {
		defer store.Close()
	}

	arbiter := roles.NewArbiter(b, embed, store, cfg)
	if store != nil {
		if err := arbiter.Engine.Hydrate(ctx); err != nil {
			logging.Error("failed to hydrate arbitration engine from history", map[string]interface{}{"error": err.Error()})
		}
	}

	agent := &runtime.Agent{
		Role:     "arbiter",
		DebateID: debateID,
		Bus:      b,
		Cfg:      cfg,
		Handlers: arbiter.Handlers(),
	}
	return agent.Run(ctx, arbiter.Notes().Encode())
}

// runRefiner wires a Refiner into the agent runtime: it reacts to every
// response envelope another agent publishes, refining it, rather than
// speaking on a fixed turn schedule of its own.
func runRefiner(ctx context.Context, debateID, name string, b *redisbus.Bus, pusher stream.Pusher, cfg *config.Config) error {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}
	systemPrompt := os.Getenv("SYSTEM_PROMPT")
	if systemPrompt == "" {
		systemPrompt = fmt.Sprintf("You are %s, a participant in a structured debate. Argue your position clearly and concisely.", name)
	}

	client, err := llm.NewOpenAIClient(apiKey, cfg.Model)
	if err != nil {
		return err
	}
	c := cache.New(b, cfg.CacheTTL, cfg.CachingEnabled)
	refiner := roles.NewRefiner(name, systemPrompt, client, c, b, pusher, cfg)

	agent := &runtime.Agent{
		Role:     name,
		DebateID: debateID,
		Bus:      b,
		Cfg:      cfg,
		Handlers: refiner.Handlers(),
	}
	return agent.Run(ctx, refiner.Notes().Encode())
}
