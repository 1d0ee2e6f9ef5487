package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/models"
	"github.com/arcanarift/duelsync/internal/room"
)

const roomColumns = `
	id, player1_id, player2_id, player1_deck_id, player2_deck_id,
	status, current_turn, active_player_id, winner_id, game_state,
	created_at, started_at, ended_at, updated_at
`

// RoomStore is the Postgres implementation of room.Store. Update semantics
// live in room.ApplyPatch, shared with the in-memory store; this layer only
// adds row locking and persistence.
type RoomStore struct {
	notifier room.Notifier
	logger   *logrus.Logger
}

// NewRoomStore returns a Postgres room store publishing snapshots through
// notifier (may be nil). Uses the global pool initialized by ConnectDB.
func NewRoomStore(notifier room.Notifier, logger *logrus.Logger) *RoomStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &RoomStore{notifier: notifier, logger: logger}
}

// CreateRoom implements room.Store.
func (s *RoomStore) CreateRoom(ctx context.Context, player1, player2, deck1, deck2 uuid.UUID) (*models.GameRoom, error) {
	r := &models.GameRoom{
		ID:            uuid.New(),
		Player1ID:     player1,
		Player2ID:     player2,
		Player1DeckID: deck1,
		Player2DeckID: deck2,
		Status:        models.RoomStatusWaiting,
		GameState:     map[string]interface{}{},
	}
	q := `
	INSERT INTO game_rooms (
		id, player1_id, player2_id, player1_deck_id, player2_deck_id,
		status, current_turn, game_state, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, 'waiting', 0, '{}'::jsonb, NOW(), NOW())
	RETURNING created_at, updated_at
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q, r.ID, r.Player1ID, r.Player2ID, r.Player1DeckID, r.Player2DeckID).
			Scan(&r.CreatedAt, &r.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create game room: %w", err)
	}
	s.publish(ctx, r)
	return r, nil
}

// GetGameRoom implements room.Store.
func (s *RoomStore) GetGameRoom(ctx context.Context, id uuid.UUID) (*models.GameRoom, error) {
	q := `SELECT ` + roomColumns + ` FROM game_rooms WHERE id = $1`
	r, err := scanRoom(DB.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, room.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateGameState implements room.Store: lock the row, apply the patch under
// the shared invariant checks, write it back, publish the snapshot.
func (s *RoomStore) UpdateGameState(ctx context.Context, id uuid.UUID, patch map[string]interface{}, status *models.RoomStatus) (*models.GameRoom, error) {
	var updated *models.GameRoom

	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `SELECT ` + roomColumns + ` FROM game_rooms WHERE id = $1 FOR UPDATE`
		r, err := scanRoom(tx.QueryRow(ctx, q, id))
		if err == pgx.ErrNoRows {
			return room.ErrRoomNotFound
		}
		if err != nil {
			return err
		}

		if err := room.ApplyPatch(r, patch, status, time.Now()); err != nil {
			return err
		}

		upd := `
		UPDATE game_rooms
		   SET status = $2, current_turn = $3, active_player_id = $4,
		       winner_id = $5, game_state = $6, started_at = $7,
		       ended_at = $8, updated_at = $9
		 WHERE id = $1
		`
		if _, err := tx.Exec(ctx, upd,
			r.ID, r.Status, r.CurrentTurn, r.ActivePlayerID,
			r.WinnerID, r.GameState, r.StartedAt, r.EndedAt, r.UpdatedAt,
		); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) || errors.Is(err, room.ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("update_game_state transaction failed: %w", err)
	}

	s.publish(ctx, updated)
	return updated, nil
}

// LogGameAction implements room.Store. The (game_room_id, sequence_number)
// primary key enforces the append-only invariant server-side.
func (s *RoomStore) LogGameAction(ctx context.Context, action *models.GameAction) error {
	q := `
	INSERT INTO game_actions (game_room_id, player_id, action_type, payload, sequence_number, created_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			action.GameRoomID, action.PlayerID, action.ActionType,
			action.Payload, action.SequenceNumber,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return room.ErrDuplicateSequence
			case "23503":
				return room.ErrRoomNotFound
			}
		}
		return fmt.Errorf("failed to log game action: %w", err)
	}
	return nil
}

// Actions implements room.Store.
func (s *RoomStore) Actions(ctx context.Context, roomID uuid.UUID) ([]*models.GameAction, error) {
	q := `
	SELECT game_room_id, player_id, action_type, payload, sequence_number, created_at
	  FROM game_actions
	 WHERE game_room_id = $1
	 ORDER BY sequence_number
	`
	rows, err := DB.Query(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*models.GameAction
	for rows.Next() {
		var a models.GameAction
		if err := rows.Scan(&a.GameRoomID, &a.PlayerID, &a.ActionType, &a.Payload, &a.SequenceNumber, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// ActiveRoomFor implements room.Store.
func (s *RoomStore) ActiveRoomFor(ctx context.Context, playerID uuid.UUID) (*uuid.UUID, error) {
	q := `
	SELECT id FROM game_rooms
	 WHERE (player1_id = $1 OR player2_id = $1) AND status <> 'ended'
	 ORDER BY created_at DESC
	 LIMIT 1
	`
	var id uuid.UUID
	err := DB.QueryRow(ctx, q, playerID).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *RoomStore) publish(ctx context.Context, r *models.GameRoom) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishRoom(ctx, r); err != nil {
		s.logger.Warnf("failed to publish snapshot for room %s: %v", r.ID, err)
	}
}

func scanRoom(row pgx.Row) (*models.GameRoom, error) {
	var r models.GameRoom
	err := row.Scan(
		&r.ID, &r.Player1ID, &r.Player2ID, &r.Player1DeckID, &r.Player2DeckID,
		&r.Status, &r.CurrentTurn, &r.ActivePlayerID, &r.WinnerID, &r.GameState,
		&r.CreatedAt, &r.StartedAt, &r.EndedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
