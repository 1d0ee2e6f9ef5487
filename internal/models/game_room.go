package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus is the lifecycle phase of a GameRoom.
type RoomStatus string

const (
	RoomStatusWaiting  RoomStatus = "waiting"
	RoomStatusMulligan RoomStatus = "mulligan"
	RoomStatusPlaying  RoomStatus = "playing"
	RoomStatusEnded    RoomStatus = "ended"
)

// Rank returns the position of the status in the forward-only lifecycle
// waiting -> mulligan -> playing -> ended, or -1 for an unknown status.
func (s RoomStatus) Rank() int {
	switch s {
	case RoomStatusWaiting:
		return 0
	case RoomStatusMulligan:
		return 1
	case RoomStatusPlaying:
		return 2
	case RoomStatusEnded:
		return 3
	default:
		return -1
	}
}

// GameRoom is the authoritative, mutable record of one match between two players.
// GameState is an opaque payload owned by the rules engine; this service only
// merges and redistributes it.
type GameRoom struct {
	ID             uuid.UUID              `json:"id"`
	Player1ID      uuid.UUID              `json:"player1_id"`
	Player2ID      uuid.UUID              `json:"player2_id"`
	Player1DeckID  uuid.UUID              `json:"player1_deck_id"`
	Player2DeckID  uuid.UUID              `json:"player2_deck_id"`
	Status         RoomStatus             `json:"status"`
	CurrentTurn    int                    `json:"current_turn"`
	ActivePlayerID *uuid.UUID             `json:"active_player_id,omitempty"`
	WinnerID       *uuid.UUID             `json:"winner_id,omitempty"`
	GameState      map[string]interface{} `json:"game_state"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// HasPlayer reports whether the given player is one of the two seated players.
func (r *GameRoom) HasPlayer(playerID uuid.UUID) bool {
	return r.Player1ID == playerID || r.Player2ID == playerID
}

// OpponentOf returns the other seated player's ID. The caller must ensure
// playerID is actually seated in the room.
func (r *GameRoom) OpponentOf(playerID uuid.UUID) uuid.UUID {
	if r.Player1ID == playerID {
		return r.Player2ID
	}
	return r.Player1ID
}

// Clone returns a deep copy of the room, including the top level of GameState.
// Stores hand out clones so that callers can never mutate shared state.
func (r *GameRoom) Clone() *GameRoom {
	cp := *r
	if r.ActivePlayerID != nil {
		id := *r.ActivePlayerID
		cp.ActivePlayerID = &id
	}
	if r.WinnerID != nil {
		id := *r.WinnerID
		cp.WinnerID = &id
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.GameState != nil {
		cp.GameState = make(map[string]interface{}, len(r.GameState))
		for k, v := range r.GameState {
			cp.GameState[k] = v
		}
	}
	return &cp
}
