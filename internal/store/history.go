package store

import (
	"context"
	"fmt"

	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// AppendHistory records one observation outcome in the append-only audit log.
func (s *Store) AppendHistory(ctx context.Context, entry usermodel.HistoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observation_history (id, user_id, agent_id, layer, attribute, outcome, confidence, model_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.UserID, entry.AgentID, string(entry.Layer), entry.Attribute,
		string(entry.Outcome), entry.Confidence, entry.ModelVersion, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append observation history: %w", err)
	}
	return nil
}

// RecentHistory returns the newest history entries for a user, newest first.
func (s *Store) RecentHistory(ctx context.Context, userID string, limit int) ([]usermodel.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, agent_id, layer, attribute, outcome, confidence, model_version, created_at
		FROM observation_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query observation history: %w", err)
	}
	defer rows.Close()

	var entries []usermodel.HistoryEntry
	for rows.Next() {
		var e usermodel.HistoryEntry
		var layer, outcome string
		if err := rows.Scan(&e.ID, &e.UserID, &e.AgentID, &layer, &e.Attribute, &outcome, &e.Confidence, &e.ModelVersion, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan observation history: %w", err)
		}
		e.Layer = usermodel.LayerID(layer)
		e.Outcome = usermodel.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
