package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/models"
)

// MemoryStore keeps rooms and action logs in process memory behind a single
// mutex. It backs tests and standalone dev runs; production uses the Postgres
// store in internal/database with identical semantics.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[uuid.UUID]*models.GameRoom
	actions  map[uuid.UUID][]*models.GameAction
	notifier Notifier
	logger   *logrus.Logger

	// Now is overridable for tests that need deterministic timestamps.
	Now func() time.Time
}

// NewMemoryStore returns an empty store. notifier may be nil, in which case
// writes are not published anywhere.
func NewMemoryStore(notifier Notifier, logger *logrus.Logger) *MemoryStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryStore{
		rooms:    make(map[uuid.UUID]*models.GameRoom),
		actions:  make(map[uuid.UUID][]*models.GameAction),
		notifier: notifier,
		logger:   logger,
		Now:      time.Now,
	}
}

// CreateRoom inserts a new waiting room for the two paired players.
func (s *MemoryStore) CreateRoom(ctx context.Context, player1, player2, deck1, deck2 uuid.UUID) (*models.GameRoom, error) {
	now := s.Now()
	r := &models.GameRoom{
		ID:            uuid.New(),
		Player1ID:     player1,
		Player2ID:     player2,
		Player1DeckID: deck1,
		Player2DeckID: deck2,
		Status:        models.RoomStatusWaiting,
		GameState:     map[string]interface{}{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.rooms[r.ID] = r
	s.mu.Unlock()

	s.publish(ctx, r)
	return r.Clone(), nil
}

// GetGameRoom returns a copy of the room, or ErrRoomNotFound.
func (s *MemoryStore) GetGameRoom(ctx context.Context, id uuid.UUID) (*models.GameRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.Clone(), nil
}

// UpdateGameState applies the patch under the store lock. The patch is applied
// to a clone first so a rejected update leaves the stored room untouched.
func (s *MemoryStore) UpdateGameState(ctx context.Context, id uuid.UUID, patch map[string]interface{}, status *models.RoomStatus) (*models.GameRoom, error) {
	s.mu.Lock()
	r, ok := s.rooms[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}

	next := r.Clone()
	if err := ApplyPatch(next, patch, status, s.Now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.rooms[id] = next
	s.mu.Unlock()

	s.publish(ctx, next)
	return next.Clone(), nil
}

// LogGameAction appends one action, rejecting duplicate sequence numbers.
func (s *MemoryStore) LogGameAction(ctx context.Context, action *models.GameAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[action.GameRoomID]; !ok {
		return ErrRoomNotFound
	}
	for _, a := range s.actions[action.GameRoomID] {
		if a.SequenceNumber == action.SequenceNumber {
			return ErrDuplicateSequence
		}
	}

	cp := *action
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.Now()
	}
	s.actions[action.GameRoomID] = append(s.actions[action.GameRoomID], &cp)
	return nil
}

// Actions returns the room's log ordered by sequence number.
func (s *MemoryStore) Actions(ctx context.Context, roomID uuid.UUID) ([]*models.GameAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}
	log := s.actions[roomID]
	out := make([]*models.GameAction, len(log))
	for i, a := range log {
		cp := *a
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// ActiveRoomFor returns the first non-ended room naming the player.
func (s *MemoryStore) ActiveRoomFor(ctx context.Context, playerID uuid.UUID) (*uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.Status != models.RoomStatusEnded && r.HasPlayer(playerID) {
			id := r.ID
			return &id, nil
		}
	}
	return nil, nil
}

// publish pushes the snapshot to the notifier. Delivery failures are logged
// and absorbed; the next successful write supersedes a missed snapshot.
func (s *MemoryStore) publish(ctx context.Context, r *models.GameRoom) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishRoom(ctx, r.Clone()); err != nil {
		s.logger.Warnf("failed to publish snapshot for room %s: %v", r.ID, err)
	}
}
