package store

import "github.com/impulso-labs/impulso/internal/models"

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// reverseTurns flips a slice of turns in place. History queries fetch the
// most recent rows in descending order and need chronological output.
func reverseTurns(turns []models.ConversationTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
