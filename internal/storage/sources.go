package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// ErrSourceNotFound indicates a source could not be found.
var ErrSourceNotFound = errors.New("source not found")

// SaveSource inserts a new source or updates an existing one by id.
func (db *DB) SaveSource(ctx context.Context, s *domain.Source) error {
	if s.ID == 0 {
		err := db.Pool.QueryRow(ctx, `
			INSERT INTO sources (name, description, is_stakeholder, enabled)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at`,
			toText(s.Name), toText(s.Description), s.IsStakeholder, s.Enabled).
			Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert source: %w", err)
		}

		return nil
	}

	_, err := db.Pool.Exec(ctx, `
		UPDATE sources SET name = $2, description = $3, is_stakeholder = $4, enabled = $5, updated_at = now()
		WHERE id = $1`,
		s.ID, toText(s.Name), toText(s.Description), s.IsStakeholder, s.Enabled)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}

	return nil
}

// GetSource loads a source by id.
func (db *DB) GetSource(ctx context.Context, id int64) (*domain.Source, error) {
	var s domain.Source

	err := db.Pool.QueryRow(ctx, `
		SELECT id, name, description, is_stakeholder, enabled, created_at, updated_at
		FROM sources WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Description, &s.IsStakeholder, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}

		return nil, fmt.Errorf("get source: %w", err)
	}

	return &s, nil
}
