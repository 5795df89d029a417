// Package stream implements the outbound observer connection: one
// websocket connection per agent process, used to push moderation
// signals to external observers (spec.md §4.5, §6). It is push-only —
// nothing is read back over this connection.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/neo/debate-orchestrator/internal/logging"
	"github.com/neo/debate-orchestrator/internal/protocol"
)

// Pusher sends moderation signals to an observer.
type Pusher interface {
	Push(ctx context.Context, sig protocol.ModerationSignal) error
	Close() error
}

// WSPusher is a Pusher backed by a single websocket connection. Writes
// are serialized under a mutex, the same one-writer-per-connection
// discipline the teacher's DebateSession.Broadcast relies on (a
// *websocket.Conn supports at most one concurrent writer).
type WSPusher struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial opens the observer websocket connection at uri.
func Dial(ctx context.Context, uri string) (*WSPusher, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", uri, err)
	}
	return &WSPusher{conn: conn}, nil
}

// Push writes sig to the connection as JSON.
func (p *WSPusher) Push(ctx context.Context, sig protocol.ModerationSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.WriteJSON(sig); err != nil {
		logging.LogBusEvent("stream_push_error", sig.DebateID, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("stream: push: %w", err)
	}
	return nil
}

// Close terminates the underlying connection.
func (p *WSPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}
