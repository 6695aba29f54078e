package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// Get fetches the committed model snapshot for a user.
func (s *Store) Get(ctx context.Context, userID string) (*usermodel.Model, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT model, version
		FROM user_models
		WHERE user_id = $1`,
		userID,
	)

	var raw []byte
	var version int64
	if err := row.Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, usermodel.ErrNotFound
		}
		return nil, fmt.Errorf("get user model: %w", err)
	}

	var m usermodel.Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode user model: %w", err)
	}
	// The version column is authoritative; it backs the CAS predicate.
	m.Version = version
	return &m, nil
}

// Create persists a fresh model at version 0.
func (s *Store) Create(ctx context.Context, m *usermodel.Model) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode user model: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO user_models (user_id, model, version, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO NOTHING`,
		m.UserID, raw, m.Version,
	)
	if err != nil {
		return fmt.Errorf("create user model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usermodel.ErrVersionConflict
	}
	return nil
}

// CompareAndSwap commits m only if the stored version still equals
// expectedVersion. The version predicate in the WHERE clause is what makes
// concurrent mutations safe without row locks held across the LLM calls.
func (s *Store) CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, m *usermodel.Model) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode user model: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE user_models
		SET model = $1, version = $2, updated_at = now()
		WHERE user_id = $3 AND version = $4`,
		raw, m.Version, userID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update user model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_models WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user model: %w", err)
		}
		if !exists {
			return usermodel.ErrNotFound
		}
		return usermodel.ErrVersionConflict
	}
	return nil
}
