package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntry represents one player waiting in the matchmaking queue.
// At most one entry exists per player at any time; entries are consumed
// on pairing or removed on leave.
type QueueEntry struct {
	PlayerID uuid.UUID `json:"player_id"`
	DeckID   uuid.UUID `json:"deck_id"`
	JoinedAt time.Time `json:"joined_at"`
}
