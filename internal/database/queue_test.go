package database

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcanarift/duelsync/internal/matchmaking"
	"github.com/arcanarift/duelsync/internal/models"
)

// requirePG connects to the database named by the PG_* environment variables,
// applies the schema, and empties the tables. Tests in this file are skipped
// when no database is configured; they run in CI against the compose stack.
func requirePG(t *testing.T) {
	t.Helper()
	if os.Getenv("PG_HOST") == "" {
		t.Skip("PG_HOST not set; skipping database tests")
	}
	if DB == nil {
		ConnectDB()
	}
	ctx := context.Background()
	schema, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	_, err = DB.Exec(ctx, string(schema))
	require.NoError(t, err)
	for _, table := range []string{"game_actions", "game_rooms", "matchmaking_queue", "player_decks"} {
		_, err = DB.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
}

func insertDeck(t *testing.T, ctx context.Context, playerID uuid.UUID, cards int) uuid.UUID {
	t.Helper()
	deckID := uuid.New()
	_, err := DB.Exec(ctx,
		`INSERT INTO player_decks (id, player_id, card_count) VALUES ($1, $2, $3)`,
		deckID, playerID, cards)
	require.NoError(t, err)
	return deckID
}

func queueCount(t *testing.T, ctx context.Context) int {
	t.Helper()
	var n int
	require.NoError(t, DB.QueryRow(ctx, `SELECT COUNT(*) FROM matchmaking_queue`).Scan(&n))
	return n
}

// A player whose entry is still in the queue (a retry after a client-side
// timeout) must be rejected, not paired against a waiter while its own entry
// stays behind to seat it in a second room.
func TestFindMatchRejectsQueuedCaller(t *testing.T) {
	requirePG(t)
	ctx := context.Background()
	store := NewQueueStore()

	playerP, playerQ := uuid.New(), uuid.New()
	deckP := insertDeck(t, ctx, playerP, 40)

	first, err := store.FindMatch(ctx, playerP, deckP)
	require.NoError(t, err)
	require.Nil(t, first, "empty queue, P should wait")

	// Q is also waiting, so the retry has a tempting opponent.
	deckQ := insertDeck(t, ctx, playerQ, 40)
	_, err = DB.Exec(ctx,
		`INSERT INTO matchmaking_queue (player_id, deck_id, joined_at) VALUES ($1, $2, NOW())`,
		playerQ, deckQ)
	require.NoError(t, err)

	room, err := store.FindMatch(ctx, playerP, deckP)
	require.ErrorIs(t, err, matchmaking.ErrAlreadyQueued)
	require.Nil(t, room)

	assert.Equal(t, 2, queueCount(t, ctx), "both entries must survive the rejected retry")
	var rooms int
	require.NoError(t, DB.QueryRow(ctx, `SELECT COUNT(*) FROM game_rooms`).Scan(&rooms))
	assert.Zero(t, rooms, "no room may be created for a rejected retry")
}

// Two first-time joiners racing on an empty queue must resolve to one room,
// not to two parallel inserts that both wait for a third player.
func TestConcurrentFirstJoinersPairOnce(t *testing.T) {
	requirePG(t)
	ctx := context.Background()
	store := NewQueueStore()

	playerA, playerB := uuid.New(), uuid.New()
	deckA := insertDeck(t, ctx, playerA, 40)
	deckB := insertDeck(t, ctx, playerB, 40)

	var wg sync.WaitGroup
	results := make([]*models.GameRoom, 2)
	for i, join := range []struct {
		player, deck uuid.UUID
	}{{playerA, deckA}, {playerB, deckB}} {
		wg.Add(1)
		go func(i int, player, deck uuid.UUID) {
			defer wg.Done()
			r, err := store.FindMatch(ctx, player, deck)
			assert.NoError(t, err)
			results[i] = r
		}(i, join.player, join.deck)
	}
	wg.Wait()

	paired := 0
	for _, r := range results {
		if r != nil {
			paired++
			assert.True(t, r.HasPlayer(playerA))
			assert.True(t, r.HasPlayer(playerB))
		}
	}
	require.Equal(t, 1, paired, "exactly one of the two calls must pair")
	assert.Zero(t, queueCount(t, ctx), "no entry may be left behind")
}
