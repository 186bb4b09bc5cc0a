package postgres

import (
	"context"
	"fmt"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ScriptStore implements api.ScriptStore backed by Postgres.
type ScriptStore struct {
	pool *pgxpool.Pool
}

// NewScriptStore creates a ScriptStore backed by the given pool.
func NewScriptStore(pool *pgxpool.Pool) *ScriptStore {
	return &ScriptStore{pool: pool}
}

// GetScript returns the image's script for the given lifecycle event.
// Missing scripts report domain.ErrNotFound; callers treat that as
// "nothing to run", not a failure.
func (s *ScriptStore) GetScript(ctx context.Context, imageID uuid.UUID, event domain.ScriptEvent) (*domain.Script, error) {
	var sc domain.Script
	var ev string
	err := s.pool.QueryRow(ctx,
		`SELECT id, image_id, event, body, created_at FROM scripts
		 WHERE image_id = $1 AND event = $2`,
		imageID, string(event),
	).Scan(&sc.ID, &sc.ImageID, &ev, &sc.Body, &sc.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get script: %w", err)
	}
	sc.Event = domain.ScriptEvent(ev)
	return &sc, nil
}

// UpsertScript creates or replaces the image's script for the event.
func (s *ScriptStore) UpsertScript(ctx context.Context, sc *domain.Script) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO scripts (image_id, event, body) VALUES ($1, $2, $3)
		 ON CONFLICT (image_id, event) DO UPDATE SET body = EXCLUDED.body
		 RETURNING id, created_at`,
		sc.ImageID, string(sc.Event), sc.Body,
	).Scan(&sc.ID, &sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert script: %w", err)
	}
	return nil
}

// ListScripts returns the image's scripts across all events.
func (s *ScriptStore) ListScripts(ctx context.Context, imageID uuid.UUID) ([]domain.Script, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, image_id, event, body, created_at FROM scripts
		 WHERE image_id = $1 ORDER BY event`,
		imageID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	result := []domain.Script{}
	for rows.Next() {
		var sc domain.Script
		var ev string
		if err := rows.Scan(&sc.ID, &sc.ImageID, &ev, &sc.Body, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		sc.Event = domain.ScriptEvent(ev)
		result = append(result, sc)
	}
	return result, rows.Err()
}
