package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arcanarift/duelsync/internal/matchmaking"
	"github.com/arcanarift/duelsync/internal/models"
)

// QueueStore is the Postgres matchmaking queue. The entire pairing decision —
// reject a caller who already holds an entry, lock the earliest compatible
// waiting entry, consume it, create the room — runs inside a single
// transaction under a queue-wide advisory lock, so two concurrent FindMatch
// calls can never consume the same entry and two first-time joiners can never
// both miss each other's uncommitted insert.
type QueueStore struct{}

// pairingLockKey is the pg_advisory_xact_lock key serializing pairing
// decisions across the whole queue.
const pairingLockKey = 0x70616972 // "pair"

// NewQueueStore returns the Postgres-backed queue store. It uses the global
// pool initialized by ConnectDB.
func NewQueueStore() *QueueStore {
	return &QueueStore{}
}

// FindMatch implements matchmaking.QueueStore.
func (s *QueueStore) FindMatch(ctx context.Context, playerID, deckID uuid.UUID) (*models.GameRoom, error) {
	var paired *models.GameRoom

	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// Serialize the pairing decision. At read committed, two first-time
		// joiners could otherwise each see an empty queue (the other's insert
		// uncommitted), both insert, and both wait for a third player.
		if _, e := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pairingLockKey); e != nil {
			return e
		}

		// A caller retrying after a client-side timeout may still hold its
		// own entry; pairing it against a waiter would seat it in two rooms
		// at once.
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM matchmaking_queue WHERE player_id = $1`, playerID).Scan(&one)
		if err == nil {
			return matchmaking.ErrAlreadyQueued
		}
		if err != pgx.ErrNoRows {
			return err
		}

		// Earliest waiting entry from a different player whose deck is still
		// legal. SKIP LOCKED: an entry mid-consumption by a concurrent pairing
		// is invisible to us.
		lockQ := `
		SELECT q.player_id, q.deck_id
		  FROM matchmaking_queue q
		  JOIN player_decks d ON d.id = q.deck_id
		 WHERE q.player_id <> $1
		   AND d.card_count >= $2
		 ORDER BY q.joined_at
		 FOR UPDATE OF q SKIP LOCKED
		 LIMIT 1
		`
		var opponentID, opponentDeckID uuid.UUID
		err = tx.QueryRow(ctx, lockQ, playerID, matchmaking.MinDeckSize).Scan(&opponentID, &opponentDeckID)
		if err == pgx.ErrNoRows {
			insQ := `
			INSERT INTO matchmaking_queue (player_id, deck_id, joined_at)
			VALUES ($1, $2, NOW())
			`
			if _, e := tx.Exec(ctx, insQ, playerID, deckID); e != nil {
				var pgErr *pgconn.PgError
				if errors.As(e, &pgErr) && pgErr.Code == "23505" {
					return matchmaking.ErrAlreadyQueued
				}
				return e
			}
			return nil
		}
		if err != nil {
			return err
		}

		if _, e := tx.Exec(ctx, `DELETE FROM matchmaking_queue WHERE player_id = $1`, opponentID); e != nil {
			return e
		}

		roomQ := `
		INSERT INTO game_rooms (
			id, player1_id, player2_id, player1_deck_id, player2_deck_id,
			status, current_turn, game_state, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 'waiting', 0, '{}'::jsonb, NOW(), NOW())
		RETURNING created_at, updated_at
		`
		r := &models.GameRoom{
			ID:            uuid.New(),
			Player1ID:     opponentID,
			Player2ID:     playerID,
			Player1DeckID: opponentDeckID,
			Player2DeckID: deckID,
			Status:        models.RoomStatusWaiting,
			GameState:     map[string]interface{}{},
		}
		if e := tx.QueryRow(ctx, roomQ, r.ID, r.Player1ID, r.Player2ID, r.Player1DeckID, r.Player2DeckID).
			Scan(&r.CreatedAt, &r.UpdatedAt); e != nil {
			return e
		}
		paired = r
		return nil
	})
	if err != nil {
		if errors.Is(err, matchmaking.ErrAlreadyQueued) {
			return nil, matchmaking.ErrAlreadyQueued
		}
		return nil, fmt.Errorf("find_match transaction failed: %w", err)
	}
	return paired, nil
}

// LeaveQueue implements matchmaking.QueueStore. Deleting an absent row is a
// no-op, which gives us idempotency for free.
func (s *QueueStore) LeaveQueue(ctx context.Context, playerID uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM matchmaking_queue WHERE player_id = $1`, playerID)
		return err
	})
}

// Position implements matchmaking.QueueStore.
func (s *QueueStore) Position(ctx context.Context, playerID uuid.UUID) (int, error) {
	q := `
	SELECT (SELECT COUNT(*) FROM matchmaking_queue q WHERE q.joined_at < me.joined_at) + 1
	  FROM matchmaking_queue me
	 WHERE me.player_id = $1
	`
	var pos int
	err := DB.QueryRow(ctx, q, playerID).Scan(&pos)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pos, nil
}
