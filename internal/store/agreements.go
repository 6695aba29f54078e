package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ford-at-home/whispersync/internal/agreement"
)

// GetAgreement fetches the agreement record for an agent. A nil record (no
// error) means no review history exists yet.
func (s *Store) GetAgreement(ctx context.Context, agentID string) (*agreement.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, score, total_reviews, confirmed_runs
		FROM agent_agreement
		WHERE agent_id = $1`,
		agentID,
	)

	var rec agreement.Record
	err := row.Scan(&rec.AgentID, &rec.Score, &rec.TotalReviews, &rec.ConfirmedRuns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agreement: %w", err)
	}
	return &rec, nil
}

// UpsertAgreement creates or updates the agreement record for an agent.
func (s *Store) UpsertAgreement(ctx context.Context, rec agreement.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_agreement (id, agent_id, score, total_reviews, confirmed_runs, last_signal_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (agent_id)
		DO UPDATE SET
			score = $3,
			total_reviews = $4,
			confirmed_runs = $5,
			last_signal_at = now(),
			updated_at = now()`,
		uuid.New(), rec.AgentID, rec.Score, rec.TotalReviews, rec.ConfirmedRuns,
	)
	if err != nil {
		return fmt.Errorf("upsert agreement: %w", err)
	}
	return nil
}
