package matchmaking

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDeckLookup is a fixed deck-size table for tests and standalone dev
// runs. Unknown decks resolve to DefaultSize so a dev server needs no seeding.
type MemoryDeckLookup struct {
	mu          sync.Mutex
	sizes       map[uuid.UUID]int
	DefaultSize int
}

// NewMemoryDeckLookup returns a lookup that treats every deck as full-sized
// until told otherwise.
func NewMemoryDeckLookup() *MemoryDeckLookup {
	return &MemoryDeckLookup{
		sizes:       make(map[uuid.UUID]int),
		DefaultSize: MinDeckSize,
	}
}

// SetDeckSize registers a deck's card count.
func (l *MemoryDeckLookup) SetDeckSize(deckID uuid.UUID, size int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sizes[deckID] = size
}

// DeckSize resolves a deck's card count.
func (l *MemoryDeckLookup) DeckSize(ctx context.Context, deckID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if size, ok := l.sizes[deckID]; ok {
		return size, nil
	}
	return l.DefaultSize, nil
}
