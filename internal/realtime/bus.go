package realtime

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/models"
)

// ErrSubscriptionClosed is returned by Recv once a subscription has been torn
// down, either locally via Close or by the transport.
var ErrSubscriptionClosed = errors.New("subscription closed")

// MatchFound is the payload delivered on a player's queue-notification topic
// the moment a room is created naming that player.
type MatchFound struct {
	GameRoomID uuid.UUID `json:"game_room_id"`
}

// Subscription is one live feed of raw JSON payloads from a single topic.
type Subscription interface {
	// Recv blocks until the next payload, ctx cancellation, or failure.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Bus is the realtime fan-out between the stores and connected clients.
// Room topics carry full GameRoom snapshots (never diffs); queue topics carry
// a single MatchFound event. Deliveries are best-effort and unordered; room
// consumers filter stale snapshots by turn number.
type Bus interface {
	PublishRoom(ctx context.Context, room *models.GameRoom) error
	PublishMatchFound(ctx context.Context, playerID, roomID uuid.UUID) error
	SubscribeRoom(ctx context.Context, roomID uuid.UUID) (Subscription, error)
	SubscribeQueue(ctx context.Context, playerID uuid.UUID) (Subscription, error)
}

func roomTopic(roomID uuid.UUID) string {
	return "duelsync:room:" + roomID.String()
}

func queueTopic(playerID uuid.UUID) string {
	return "duelsync:queue:" + playerID.String()
}
