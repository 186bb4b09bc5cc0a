// Package keys manages per-day SSH keypairs. Each cloud connector gets one
// keypair per UTC day, created lazily on first use and shared by every
// runner launched through that connector that day. Private key material is
// encrypted at rest; the plaintext only exists in memory while a script
// runs over SSH.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// raceRetryDelay paces re-reads while another replica is inserting the
// winning key row.
const raceRetryDelay = 500 * time.Millisecond

// raceRetries bounds how long a losing replica waits for the winner's row.
const raceRetries = 10

// Encryptor seals and opens private key material. Implemented by the
// secrets codec.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

// Manager hands out the daily keypair for a connector, creating it on first
// use. Safe for concurrent use across goroutines and across replicas: the
// database's uniqueness on (key_date, connector) arbitrates creation races.
type Manager struct {
	store api.KeyStore
	codec Encryptor
	now   func() time.Time

	retries    int
	retryDelay time.Duration
}

// NewManager creates a key manager backed by the given store and codec.
func NewManager(store api.KeyStore, codec Encryptor) *Manager {
	return &Manager{
		store:      store,
		codec:      codec,
		now:        time.Now,
		retries:    raceRetries,
		retryDelay: raceRetryDelay,
	}
}

// DailyKey returns today's keypair for the connector plus the decrypted
// private key, creating the keypair in the cloud and the store when it does
// not exist yet.
func (m *Manager) DailyKey(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector) (*domain.Key, string, error) {
	date := m.now().UTC().Format(dateLayout)

	key, err := m.store.GetKeyByDate(ctx, date, conn.ID)
	if err == nil {
		return m.open(key)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", fmt.Errorf("look up daily key: %w", err)
	}

	return m.create(ctx, drv, conn, date)
}

// create provisions the cloud keypair and persists it. Exactly one caller
// wins; losers fall back to the winner's row.
func (m *Manager) create(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector, date string) (*domain.Key, string, error) {
	name := keyName(date, conn.Tag)

	kp, err := drv.CreateKeyPair(ctx, name)
	if err != nil {
		if cloud.IsDuplicate(err) {
			// The provider-side keypair exists. Either another replica is
			// mid-creation (its row lands shortly), or a previous run died
			// between cloud create and store insert (the orphan must be
			// replaced, since its private material is lost).
			if key, pem, waitErr := m.waitForRow(ctx, date, conn.ID); waitErr == nil {
				return key, pem, nil
			}
			slog.Warn("replacing orphaned cloud keypair", "key_name", name)
			if err := drv.DeleteKeyPair(ctx, name); err != nil {
				return nil, "", fmt.Errorf("delete orphaned keypair %s: %w", name, err)
			}
			if kp, err = drv.CreateKeyPair(ctx, name); err != nil {
				return nil, "", fmt.Errorf("recreate keypair %s: %w", name, err)
			}
		} else {
			return nil, "", fmt.Errorf("create keypair %s: %w", name, err)
		}
	}

	encrypted, err := m.codec.Encrypt(kp.Material)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt key material: %w", err)
	}

	key := &domain.Key{
		KeyDate:          date,
		CloudConnectorID: conn.ID,
		CloudKeyID:       kp.ID,
		KeyName:          name,
		EncryptedKey:     encrypted,
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost the insert race; use the winner's key.
			existing, getErr := m.store.GetKeyByDate(ctx, date, conn.ID)
			if getErr != nil {
				return nil, "", fmt.Errorf("re-read daily key after race: %w", getErr)
			}
			return m.open(existing)
		}
		return nil, "", fmt.Errorf("store daily key: %w", err)
	}

	slog.Info("created daily keypair",
		"key_name", name,
		"connector_id", conn.ID,
		"key_date", date)
	return key, kp.Material, nil
}

// waitForRow polls for the winning replica's key row.
func (m *Manager) waitForRow(ctx context.Context, date string, connectorID uuid.UUID) (*domain.Key, string, error) {
	for i := 0; i < m.retries; i++ {
		key, err := m.store.GetKeyByDate(ctx, date, connectorID)
		if err == nil {
			return m.open(key)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, "", err
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
	return nil, "", domain.ErrNotFound
}

// open decrypts the stored private key material.
func (m *Manager) open(key *domain.Key) (*domain.Key, string, error) {
	pem, err := m.codec.Decrypt(key.EncryptedKey)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt key material for %s: %w", key.KeyName, err)
	}
	return key, pem, nil
}

// keyName is the provider-side keypair name: Keypair-YYYY-MM-DD-{tag}.
func keyName(date, tag string) string {
	if tag == "" {
		return "Keypair-" + date
	}
	return "Keypair-" + date + "-" + tag
}
