package matchmaking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/models"
	"github.com/arcanarift/duelsync/internal/room"
)

// MinDeckSize is the smallest legal deck. Deck contents are validated by the
// deck-building flow; pairing only re-checks the size so a truncated deck can
// never enter a match.
const MinDeckSize = 30

var (
	// ErrAlreadyQueued is returned when a player joins while already holding a
	// queue entry. Retrying with the same arguments is a caller bug.
	ErrAlreadyQueued = errors.New("player already in matchmaking queue")

	// ErrDeckTooSmall is returned when the chosen deck has fewer than
	// MinDeckSize cards.
	ErrDeckTooSmall = errors.New("deck has fewer than the minimum number of cards")
)

// QueueStore holds waiting entries and performs the atomic pairing decision.
// FindMatch must be atomic across concurrent callers: no interleaving may let
// two callers consume the same waiting entry.
type QueueStore interface {
	// FindMatch either pairs the caller with the earliest waiting entry from a
	// different player (consuming it and creating the room) or inserts a new
	// entry and returns nil.
	FindMatch(ctx context.Context, playerID, deckID uuid.UUID) (*models.GameRoom, error)

	// LeaveQueue removes the player's entry if present. Idempotent.
	LeaveQueue(ctx context.Context, playerID uuid.UUID) error

	// Position returns the player's 1-based position by join time, or 0 when
	// the player is not queued.
	Position(ctx context.Context, playerID uuid.UUID) (int, error)
}

// DeckLookup resolves a deck's card count. Deck storage itself belongs to the
// record-store collaborator; pairing only needs the size.
type DeckLookup interface {
	DeckSize(ctx context.Context, deckID uuid.UUID) (int, error)
}

// Notifier delivers match-found pushes to queued players. realtime.Bus
// satisfies this.
type Notifier interface {
	PublishMatchFound(ctx context.Context, playerID, roomID uuid.UUID) error
}

// Service is the pairing service: it owns the matchmaking queue and turns two
// compatible waiting players into one game room.
type Service struct {
	queue    QueueStore
	rooms    room.Store
	decks    DeckLookup
	notifier Notifier
	logger   *logrus.Logger
}

// NewService wires the pairing service. notifier may be nil (tests that only
// exercise pairing).
func NewService(queue QueueStore, rooms room.Store, decks DeckLookup, notifier Notifier, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{queue: queue, rooms: rooms, decks: decks, notifier: notifier, logger: logger}
}

// JoinQueue pairs the player immediately when a compatible opponent is
// waiting, returning the new room's ID, or enqueues them and returns nil.
// The pairing itself happens inside the queue store as one atomic operation.
func (s *Service) JoinQueue(ctx context.Context, playerID, deckID uuid.UUID) (*uuid.UUID, error) {
	size, err := s.decks.DeckSize(ctx, deckID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up deck %s: %w", deckID, err)
	}
	if size < MinDeckSize {
		return nil, ErrDeckTooSmall
	}

	r, err := s.queue.FindMatch(ctx, playerID, deckID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		s.logger.Infof("player %s queued for matchmaking", playerID)
		return nil, nil
	}

	s.logger.Infof("paired players %s and %s into room %s", r.Player1ID, r.Player2ID, r.ID)
	s.notifyMatch(ctx, r)
	return &r.ID, nil
}

// LeaveQueue removes the caller's entry. Idempotent; leaving while not queued
// is not an error.
func (s *Service) LeaveQueue(ctx context.Context, playerID uuid.UUID) error {
	return s.queue.LeaveQueue(ctx, playerID)
}

// GetActiveGame returns the ID of any non-ended room naming the player; used
// by clients to recover after a crash or reload.
func (s *Service) GetActiveGame(ctx context.Context, playerID uuid.UUID) (*uuid.UUID, error) {
	return s.rooms.ActiveRoomFor(ctx, playerID)
}

// QueuePosition returns the player's 1-based place in the queue (0 when not
// queued), surfaced to the UI alongside wait time.
func (s *Service) QueuePosition(ctx context.Context, playerID uuid.UUID) (int, error) {
	return s.queue.Position(ctx, playerID)
}

// notifyMatch pushes the match-found event to both players. Push delivery is
// best-effort; a player whose push is lost recovers via the active-game poll.
func (s *Service) notifyMatch(ctx context.Context, r *models.GameRoom) {
	if s.notifier == nil {
		return
	}
	for _, pid := range []uuid.UUID{r.Player1ID, r.Player2ID} {
		if err := s.notifier.PublishMatchFound(ctx, pid, r.ID); err != nil {
			s.logger.Warnf("failed to publish match notification to player %s: %v", pid, err)
		}
	}
}
