package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyStore implements api.KeyStore backed by Postgres.
// One keypair per (day, connector); the UNIQUE constraint arbitrates
// concurrent creation and losers re-read the winner's row.
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore creates a KeyStore backed by the given pool.
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

// uniqueViolation is the Postgres error code for constraint 23505.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateKey inserts the keypair record. Returns domain.ErrAlreadyExists when
// another instance created today's key first.
func (s *KeyStore) CreateKey(ctx context.Context, k *domain.Key) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO keys (key_date, cloud_connector_id, cloud_key_id, key_name, encrypted_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		k.KeyDate, k.CloudConnectorID, k.CloudKeyID, k.KeyName, k.EncryptedKey,
	).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create key: %w", err)
	}
	return nil
}

// GetKeyByDate returns the connector's keypair for the given date
// (YYYY-MM-DD), or domain.ErrNotFound.
func (s *KeyStore) GetKeyByDate(ctx context.Context, date string, connectorID uuid.UUID) (*domain.Key, error) {
	var k domain.Key
	err := s.pool.QueryRow(ctx,
		`SELECT id, to_char(key_date, 'YYYY-MM-DD'), cloud_connector_id, cloud_key_id, key_name, encrypted_key, created_at
		 FROM keys WHERE key_date = $1 AND cloud_connector_id = $2`,
		date, connectorID,
	).Scan(&k.ID, &k.KeyDate, &k.CloudConnectorID, &k.CloudKeyID, &k.KeyName, &k.EncryptedKey, &k.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get key by date: %w", err)
	}
	return &k, nil
}

// GetKey returns the keypair by id, or domain.ErrNotFound.
func (s *KeyStore) GetKey(ctx context.Context, id uuid.UUID) (*domain.Key, error) {
	var k domain.Key
	err := s.pool.QueryRow(ctx,
		`SELECT id, to_char(key_date, 'YYYY-MM-DD'), cloud_connector_id, cloud_key_id, key_name, encrypted_key, created_at
		 FROM keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.KeyDate, &k.CloudConnectorID, &k.CloudKeyID, &k.KeyName, &k.EncryptedKey, &k.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return &k, nil
}
