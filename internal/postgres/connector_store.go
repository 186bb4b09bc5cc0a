package postgres

import (
	"context"
	"fmt"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectorStore implements api.ConnectorStore backed by Postgres.
// Credential columns hold ciphertext; encryption happens in the caller.
type ConnectorStore struct {
	pool *pgxpool.Pool
}

// NewConnectorStore creates a ConnectorStore backed by the given pool.
func NewConnectorStore(pool *pgxpool.Pool) *ConnectorStore {
	return &ConnectorStore{pool: pool}
}

// CreateConnector inserts the connector and fills in its ID and timestamp.
func (s *ConnectorStore) CreateConnector(ctx context.Context, c *domain.CloudConnector) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO cloud_connectors (provider, region, tag, access_key, secret_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		c.Provider, c.Region, c.Tag, c.AccessKey, c.SecretKey,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create cloud connector: %w", err)
	}
	return nil
}

// GetConnector returns the connector by id, or domain.ErrNotFound.
func (s *ConnectorStore) GetConnector(ctx context.Context, id uuid.UUID) (*domain.CloudConnector, error) {
	var c domain.CloudConnector
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, region, tag, access_key, secret_key, created_at
		 FROM cloud_connectors WHERE id = $1`, id,
	).Scan(&c.ID, &c.Provider, &c.Region, &c.Tag, &c.AccessKey, &c.SecretKey, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get cloud connector: %w", err)
	}
	return &c, nil
}

// ListConnectors returns all connectors.
func (s *ConnectorStore) ListConnectors(ctx context.Context) ([]domain.CloudConnector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, region, tag, access_key, secret_key, created_at
		 FROM cloud_connectors ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list cloud connectors: %w", err)
	}
	defer rows.Close()

	result := []domain.CloudConnector{}
	for rows.Next() {
		var c domain.CloudConnector
		if err := rows.Scan(&c.ID, &c.Provider, &c.Region, &c.Tag, &c.AccessKey, &c.SecretKey, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cloud connector: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
