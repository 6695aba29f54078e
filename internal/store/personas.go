package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ford-at-home/whispersync/internal/persona"
)

// InsertPersonaSelection logs one persona selection for continuity lookups.
func (s *Store) InsertPersonaSelection(ctx context.Context, userID, agentID string, sel persona.Selection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO persona_selections (id, user_id, agent_id, persona, variation, justification, selected_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.New(), userID, agentID, sel.Persona, sel.Variation, sel.Justification,
	)
	if err != nil {
		return fmt.Errorf("insert persona selection: %w", err)
	}
	return nil
}

// RecentPersonaSelections returns the newest selections for a user, newest
// first, for the continuity window check.
func (s *Store) RecentPersonaSelections(ctx context.Context, userID string, limit int) ([]persona.HistoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT persona, variation, selected_at
		FROM persona_selections
		WHERE user_id = $1
		ORDER BY selected_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query persona selections: %w", err)
	}
	defer rows.Close()

	var entries []persona.HistoryEntry
	for rows.Next() {
		var e persona.HistoryEntry
		if err := rows.Scan(&e.Persona, &e.Variation, &e.SelectedAt); err != nil {
			return nil, fmt.Errorf("scan persona selection: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
