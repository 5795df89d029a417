package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo/debate-orchestrator/internal/history"
	"github.com/neo/debate-orchestrator/internal/protocol"
)

func outcome(debateID string, round int) *protocol.ArbitrationOutcome {
	return &protocol.ArbitrationOutcome{
		DebateID:   debateID,
		Round:      round,
		Status:     protocol.StatusConcluded,
		Content:    "winning argument",
		Confidence: 0.8,
		Timestamp:  time.Now().UTC(),
	}
}

func TestSaveAndForDebate(t *testing.T) {
	store, err := history.Open(t.TempDir(), 10)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, outcome("d1", 1)))
	require.NoError(t, store.Save(ctx, outcome("d1", 2)))
	require.NoError(t, store.Save(ctx, outcome("d2", 1)))

	got, err := store.ForDebate(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Round)
	assert.Equal(t, 2, got[1].Round)
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	store, err := history.Open(t.TempDir(), 10)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, outcome("d1", 1)))
	require.NoError(t, store.Save(ctx, outcome("d2", 1)))

	got, err := store.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].DebateID)
	assert.Equal(t, "d1", got[1].DebateID)
}

func TestSavePrunesBeyondCapacity(t *testing.T) {
	store, err := history.Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, outcome("d1", 1)))
	require.NoError(t, store.Save(ctx, outcome("d2", 1)))
	require.NoError(t, store.Save(ctx, outcome("d3", 1)))

	got, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d3", got[0].DebateID)
	assert.Equal(t, "d2", got[1].DebateID)
}
