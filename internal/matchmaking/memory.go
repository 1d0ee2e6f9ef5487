package matchmaking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/models"
	"github.com/arcanarift/duelsync/internal/room"
)

// MemoryQueueStore holds queue entries in memory behind a single mutex. The
// whole pairing decision (scan, consume, create room) runs inside one critical
// section, which is what makes concurrent FindMatch calls safe: two callers
// can never both consume the same waiting entry. Production uses the Postgres
// store, where a single transaction plays the same role.
type MemoryQueueStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*models.QueueEntry
	rooms   room.Store

	// Now is overridable for deterministic join timestamps in tests.
	Now func() time.Time
}

// NewMemoryQueueStore returns an empty queue backed by the given room store.
func NewMemoryQueueStore(rooms room.Store) *MemoryQueueStore {
	return &MemoryQueueStore{
		entries: make(map[uuid.UUID]*models.QueueEntry),
		rooms:   rooms,
		Now:     time.Now,
	}
}

// FindMatch pairs against the earliest-joined waiting entry from a different
// player, or inserts a new entry and returns nil.
func (s *MemoryQueueStore) FindMatch(ctx context.Context, playerID, deckID uuid.UUID) (*models.GameRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[playerID]; exists {
		return nil, ErrAlreadyQueued
	}

	var oldest *models.QueueEntry
	for _, e := range s.entries {
		if e.PlayerID == playerID {
			continue
		}
		if oldest == nil || e.JoinedAt.Before(oldest.JoinedAt) {
			oldest = e
		}
	}

	if oldest == nil {
		s.entries[playerID] = &models.QueueEntry{
			PlayerID: playerID,
			DeckID:   deckID,
			JoinedAt: s.Now(),
		}
		return nil, nil
	}

	delete(s.entries, oldest.PlayerID)
	r, err := s.rooms.CreateRoom(ctx, oldest.PlayerID, playerID, oldest.DeckID, deckID)
	if err != nil {
		// Restore the consumed entry so the waiting player is not lost.
		s.entries[oldest.PlayerID] = oldest
		return nil, err
	}
	return r, nil
}

// LeaveQueue removes the player's entry if present. Idempotent.
func (s *MemoryQueueStore) LeaveQueue(ctx context.Context, playerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, playerID)
	return nil
}

// Position counts entries that joined no later than the player, yielding a
// 1-based position; 0 when the player is not queued.
func (s *MemoryQueueStore) Position(ctx context.Context, playerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[playerID]
	if !ok {
		return 0, nil
	}
	pos := 1
	for _, e := range s.entries {
		if e.PlayerID != playerID && e.JoinedAt.Before(me.JoinedAt) {
			pos++
		}
	}
	return pos, nil
}
