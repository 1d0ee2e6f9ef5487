package room

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/models"
)

// Store arbitrates all reads and writes against game rooms and their
// append-only action logs. Both players of a match write through the same
// Store concurrently; the shallow-merge update plus the append-only log keep
// concurrent writes commutative enough (last-write-wins on overlapping top
// level fields, an accepted limitation).
type Store interface {
	// CreateRoom inserts a new room in the waiting state and returns it.
	CreateRoom(ctx context.Context, player1, player2, deck1, deck2 uuid.UUID) (*models.GameRoom, error)

	// GetGameRoom is a point read; returns ErrRoomNotFound if absent.
	GetGameRoom(ctx context.Context, id uuid.UUID) (*models.GameRoom, error)

	// UpdateGameState shallow-merges patch into the stored game state, lifting
	// the reserved currentTurn/activePlayerId/winnerId keys into room fields,
	// and optionally advances the lifecycle status. UpdatedAt is stamped and a
	// snapshot is published on every successful call, even when no visible
	// field changed.
	UpdateGameState(ctx context.Context, id uuid.UUID, patch map[string]interface{}, status *models.RoomStatus) (*models.GameRoom, error)

	// LogGameAction appends one action to the room's log. A duplicate sequence
	// number for the same room fails with ErrDuplicateSequence and leaves the
	// log unchanged.
	LogGameAction(ctx context.Context, action *models.GameAction) error

	// Actions returns the room's full action log ordered by sequence number.
	Actions(ctx context.Context, roomID uuid.UUID) ([]*models.GameAction, error)

	// ActiveRoomFor returns the ID of any non-ended room naming the player,
	// or nil when the player has no active game.
	ActiveRoomFor(ctx context.Context, playerID uuid.UUID) (*uuid.UUID, error)
}

// Notifier receives the full room snapshot after every successful write.
// realtime.Bus satisfies this.
type Notifier interface {
	PublishRoom(ctx context.Context, room *models.GameRoom) error
}

// Reserved top-level patch keys that lift out of the opaque game state into
// room fields. They still merge into the state payload like any other key.
const (
	patchKeyCurrentTurn  = "currentTurn"
	patchKeyActivePlayer = "activePlayerId"
	patchKeyWinner       = "winnerId"
)

// ApplyPatch mutates r in place according to the UpdateGameState contract.
// Shared by the in-memory and Postgres stores so the invariant checks live in
// exactly one place. On error r may be partially modified; callers must apply
// the patch to a clone and only commit on success.
func ApplyPatch(r *models.GameRoom, patch map[string]interface{}, status *models.RoomStatus, now time.Time) error {
	if r.Status == models.RoomStatusEnded {
		return ErrInvalidTransition
	}

	if r.GameState == nil {
		r.GameState = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		r.GameState[k] = v
	}

	if v, ok := patch[patchKeyCurrentTurn]; ok {
		turn, ok := numericValue(v)
		if !ok || turn < r.CurrentTurn {
			return ErrInvalidTransition
		}
		r.CurrentTurn = turn
	}

	if v, ok := patch[patchKeyActivePlayer]; ok {
		id, ok := uuidValue(v)
		if !ok || !r.HasPlayer(id) {
			return ErrInvalidTransition
		}
		r.ActivePlayerID = &id
	}

	if v, ok := patch[patchKeyWinner]; ok {
		id, ok := uuidValue(v)
		if !ok || !r.HasPlayer(id) {
			return ErrInvalidTransition
		}
		// A winner before the match has started is a caller bug, not a result.
		if r.Status == models.RoomStatusWaiting {
			return ErrInvalidTransition
		}
		r.WinnerID = &id
		r.Status = models.RoomStatusEnded
		r.EndedAt = &now
	}

	if status != nil {
		next := *status
		if next.Rank() < 0 || next.Rank() < r.Status.Rank() {
			return ErrInvalidTransition
		}
		if r.Status == models.RoomStatusWaiting && next != models.RoomStatusWaiting && r.StartedAt == nil {
			r.StartedAt = &now
		}
		if next == models.RoomStatusEnded && r.EndedAt == nil {
			r.EndedAt = &now
		}
		r.Status = next
	}

	r.UpdatedAt = now
	return nil
}

// numericValue coerces the numeric types a JSON decode or a direct caller may
// hand us for the turn counter.
func numericValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		// JSON numbers arrive as float64; a fractional turn counter is a
		// malformed patch, not something to round.
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// uuidValue coerces a patch value into a player UUID.
func uuidValue(v interface{}) (uuid.UUID, bool) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, true
	case string:
		parsed, err := uuid.Parse(id)
		if err != nil {
			return uuid.Nil, false
		}
		return parsed, true
	default:
		return uuid.Nil, false
	}
}
