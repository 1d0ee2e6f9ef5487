package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DeckLookup resolves deck sizes from the player_decks table. Deck contents
// and editing live in the record-store collaborator; pairing only validates
// the card count.
type DeckLookup struct{}

// NewDeckLookup returns the Postgres-backed deck lookup.
func NewDeckLookup() *DeckLookup {
	return &DeckLookup{}
}

// DeckSize implements matchmaking.DeckLookup.
func (l *DeckLookup) DeckSize(ctx context.Context, deckID uuid.UUID) (int, error) {
	var count int
	q := `SELECT card_count FROM player_decks WHERE id = $1`
	if err := DB.QueryRow(ctx, q, deckID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to look up deck %s: %w", deckID, err)
	}
	return count, nil
}
