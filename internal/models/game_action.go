package models

import (
	"time"

	"github.com/google/uuid"
)

// GameAction is one immutable, ordered record of a player-initiated event in a
// match. The full sequence for a room is a deterministic replay log independent
// of the mutable GameRoom snapshot. Entries are append-only and never updated.
type GameAction struct {
	GameRoomID     uuid.UUID              `json:"game_room_id"`
	PlayerID       uuid.UUID              `json:"player_id"`
	ActionType     string                 `json:"action_type"`
	Payload        map[string]interface{} `json:"payload"`
	SequenceNumber int                    `json:"sequence_number"`
	CreatedAt      time.Time              `json:"created_at"`
}
