// Package history persists concluded ArbitrationOutcome records, bounded
// to the same MAX_HISTORY_SIZE the in-memory arbitration engine uses, so
// a restarted process can recover recent outcomes instead of losing them.
// Grounded on the teacher's internal/database package: a single
// *sql.DB over SQLite, schema created with CREATE TABLE IF NOT EXISTS on
// startup, os.MkdirAll'd data directory.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/neo/debate-orchestrator/internal/logging"
	"github.com/neo/debate-orchestrator/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS arbitration_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	debate_id TEXT NOT NULL,
	round INTEGER NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	concluded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arbitration_outcomes_debate_id ON arbitration_outcomes(debate_id);
`

// Store persists concluded outcomes to SQLite.
type Store struct {
	db       *sql.DB
	capacity int
}

// Open creates (if needed) dataDir/debate_history.db, applies the schema,
// and returns a Store bounded to capacity rows.
func Open(dataDir string, capacity int) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("history: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "debate_history.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	logging.LogDebateEvent("history_store_opened", "", map[string]interface{}{"path": dbPath, "capacity": capacity})
	return &Store{db: db, capacity: capacity}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists outcome and prunes the oldest rows beyond s.capacity,
// mirroring the arbitration engine's in-memory eviction of the oldest
// completed debate once MAX_HISTORY_SIZE is exceeded.
func (s *Store) Save(ctx context.Context, outcome *protocol.ArbitrationOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("history: marshal outcome: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO arbitration_outcomes (debate_id, round, status, payload, concluded_at) VALUES (?, ?, ?, ?, ?)`,
		outcome.DebateID, outcome.Round, outcome.Status, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: insert outcome: %w", err)
	}

	return s.pruneLocked(ctx)
}

func (s *Store) pruneLocked(ctx context.Context) error {
	if s.capacity <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM arbitration_outcomes
		WHERE id NOT IN (
			SELECT id FROM arbitration_outcomes ORDER BY id DESC LIMIT ?
		)
	`, s.capacity)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}

// Recent returns up to limit most-recently-concluded outcomes, newest
// first, used to repopulate the arbitration engine's view on restart.
func (s *Store) Recent(ctx context.Context, limit int) ([]*protocol.ArbitrationOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM arbitration_outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var outcomes []*protocol.ArbitrationOutcome
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		var outcome protocol.ArbitrationOutcome
		if err := json.Unmarshal([]byte(payload), &outcome); err != nil {
			return nil, fmt.Errorf("history: unmarshal outcome: %w", err)
		}
		outcomes = append(outcomes, &outcome)
	}
	return outcomes, rows.Err()
}

// ForDebate returns every stored outcome for one debate, oldest first.
func (s *Store) ForDebate(ctx context.Context, debateID string) ([]*protocol.ArbitrationOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM arbitration_outcomes WHERE debate_id = ? ORDER BY id ASC`, debateID)
	if err != nil {
		return nil, fmt.Errorf("history: query for debate: %w", err)
	}
	defer rows.Close()

	var outcomes []*protocol.ArbitrationOutcome
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		var outcome protocol.ArbitrationOutcome
		if err := json.Unmarshal([]byte(payload), &outcome); err != nil {
			return nil, fmt.Errorf("history: unmarshal outcome: %w", err)
		}
		outcomes = append(outcomes, &outcome)
	}
	return outcomes, rows.Err()
}
