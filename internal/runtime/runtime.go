// Package runtime is the per-process agent scaffolding shared by every
// role: listen for responses and moderation signals, publish a periodic
// heartbeat, and fire a periodic timeout check. It replaces the original
// source's asyncio.gather(responder, heartbeat, timeout_monitor) with
// goroutines coordinated by golang.org/x/sync/errgroup, and borrows the
// teacher's StartDebateLoop panic-recovery discipline for each task.
package runtime

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neo/debate-orchestrator/internal/bus"
	"github.com/neo/debate-orchestrator/internal/config"
	"github.com/neo/debate-orchestrator/internal/logging"
	"github.com/neo/debate-orchestrator/internal/protocol"
)

// Handlers are the role-specific callbacks an Agent dispatches into.
// Any handler may be nil; a nil handler is simply skipped for that event.
type Handlers struct {
	OnResponse   func(ctx context.Context, resp protocol.ResponseEnvelope) error
	OnModeration func(ctx context.Context, sig protocol.ModerationSignal) error
	OnTimeout    func(ctx context.Context) error
}

// Agent runs one role's bus subscription, heartbeat, and timeout loops.
type Agent struct {
	Role     string
	DebateID string
	Bus      bus.Bus
	Cfg      *config.Config
	Handlers Handlers
}

// heartbeatKey is the bus key a role's liveness is published under,
// matching the original source's "<role>_heartbeat" convention.
func (a *Agent) heartbeatKey() string {
	return fmt.Sprintf("%s_heartbeat", a.Role)
}

// notesKey mirrors the original's "manus_killswitch_<role>_notes" key,
// used to publish a role's static descriptor once at startup.
func (a *Agent) notesKey() string {
	return fmt.Sprintf("manus_killswitch_%s_notes", a.Role)
}

// PublishNotes writes this role's descriptor to the bus once, the way
// BaseAgent.start() calls _publish_notes before entering its main loop.
func (a *Agent) PublishNotes(ctx context.Context, notes []byte) error {
	return a.Bus.Set(ctx, a.notesKey(), notes, 0)
}

// Run publishes notes, then starts the responder, heartbeat, and timeout
// loops concurrently. It blocks until ctx is canceled or one of the three
// loops returns a non-context error, at which point the others are
// canceled too (errgroup's behavior on the first non-nil return).
func (a *Agent) Run(ctx context.Context, notes []byte) error {
	if err := a.PublishNotes(ctx, notes); err != nil {
		return fmt.Errorf("runtime: publish notes for %s: %w", a.Role, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.guard("listen", ctx, a.listen) })
	g.Go(func() error { return a.guard("heartbeat", ctx, a.heartbeat) })
	g.Go(func() error { return a.guard("timeout_monitor", ctx, a.timeoutMonitor) })

	return g.Wait()
}

// guard recovers a panic in fn into an error, so one role's bug never
// takes the whole process down silently, matching the teacher's
// StartDebateLoop recover() guard around its goroutine body.
func (a *Agent) guard(task string, ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogDebateEvent("runtime_panic_recovered", a.DebateID, map[string]interface{}{
				"role": a.Role, "task": task, "panic": fmt.Sprintf("%v", r),
			})
			err = fmt.Errorf("runtime: %s/%s panicked: %v", a.Role, task, r)
		}
	}()
	return fn(ctx)
}

func (a *Agent) listen(ctx context.Context) error {
	sub, err := a.Bus.Subscribe(ctx, a.Cfg.TopicResponses, a.Cfg.TopicModeration, a.Cfg.TopicArbitration)
	if err != nil {
		return fmt.Errorf("runtime: subscribe: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			a.dispatch(ctx, msg)
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, msg bus.Message) {
	switch msg.Topic {
	case a.Cfg.TopicResponses:
		var resp protocol.ResponseEnvelope
		if err := protocol.Decode(msg.Payload, &resp); err != nil {
			logging.LogBusEvent("malformed_response_dropped", msg.Topic, map[string]interface{}{"error": err.Error()})
			return
		}
		if a.Handlers.OnResponse != nil {
			if err := a.Handlers.OnResponse(ctx, resp); err != nil {
				logging.LogDebateEvent("response_handler_error", resp.DebateID, map[string]interface{}{"error": err.Error()})
			}
		}
	case a.Cfg.TopicModeration:
		var sig protocol.ModerationSignal
		if err := protocol.Decode(msg.Payload, &sig); err != nil {
			logging.LogBusEvent("malformed_moderation_dropped", msg.Topic, map[string]interface{}{"error": err.Error()})
			return
		}
		if a.Handlers.OnModeration != nil {
			if err := a.Handlers.OnModeration(ctx, sig); err != nil {
				logging.LogDebateEvent("moderation_handler_error", sig.DebateID, map[string]interface{}{"error": err.Error()})
			}
		}
	case a.Cfg.TopicArbitration:
		// Arbitration outcomes are log-only for non-arbiter roles, matching
		// the original source's _listen_responses, which only logs on this
		// channel rather than dispatching to a handler.
		logging.LogArbitrationEvent("outcome_observed", a.DebateID, 0, map[string]interface{}{"role": a.Role})
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(a.Cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Bus.Set(ctx, a.heartbeatKey(), []byte("alive"), a.Cfg.HeartbeatExpiry); err != nil {
				logging.LogBusEvent("heartbeat_error", a.heartbeatKey(), map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (a *Agent) timeoutMonitor(ctx context.Context) error {
	ticker := time.NewTicker(a.Cfg.DebateTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.Handlers.OnTimeout != nil {
				if err := a.Handlers.OnTimeout(ctx); err != nil {
					logging.LogDebateEvent("timeout_handler_error", a.DebateID, map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}
}
