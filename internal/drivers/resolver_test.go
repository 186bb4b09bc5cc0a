package drivers_test

import (
	"context"
	"strings"
	"testing"

	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/drivers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectorStoreStub struct {
	connectors map[uuid.UUID]*domain.CloudConnector
}

func (s *connectorStoreStub) CreateConnector(context.Context, *domain.CloudConnector) error {
	return nil
}

func (s *connectorStoreStub) GetConnector(_ context.Context, id uuid.UUID) (*domain.CloudConnector, error) {
	c, ok := s.connectors[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *connectorStoreStub) ListConnectors(context.Context) ([]domain.CloudConnector, error) {
	return nil, nil
}

// reverseCodec "decrypts" by stripping a prefix, enough to observe that
// credentials pass through the codec before reaching the factory.
type reverseCodec struct{}

func (reverseCodec) Decrypt(encoded string) (string, error) {
	return strings.TrimPrefix(encoded, "enc:"), nil
}

func seedConnector(store *connectorStoreStub) *domain.CloudConnector {
	conn := &domain.CloudConnector{
		ID:        uuid.New(),
		Provider:  "aws",
		Region:    "eu-west-1",
		AccessKey: "enc:AKIATEST",
		SecretKey: "enc:sekrit",
	}
	store.connectors[conn.ID] = conn
	return conn
}

func TestResolver_DecryptsCredentialsForFactory(t *testing.T) {
	store := &connectorStoreStub{connectors: map[uuid.UUID]*domain.CloudConnector{}}
	conn := seedConnector(store)

	var seen cloud.Credentials
	registry := cloud.NewRegistry()
	registry.Register("aws", func(_ context.Context, creds cloud.Credentials, region string) (cloud.Driver, error) {
		seen = creds
		assert.Equal(t, "eu-west-1", region)
		return cloud.NewFakeDriver(), nil
	})

	resolver := drivers.NewResolver(registry, store, reverseCodec{})

	drv, got, err := resolver.ForConnector(t.Context(), conn.ID)
	require.NoError(t, err)
	assert.NotNil(t, drv)
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, "AKIATEST", seen.AccessKey)
	assert.Equal(t, "sekrit", seen.SecretKey)
}

func TestResolver_CachesDriverPerConnector(t *testing.T) {
	store := &connectorStoreStub{connectors: map[uuid.UUID]*domain.CloudConnector{}}
	conn := seedConnector(store)

	builds := 0
	registry := cloud.NewRegistry()
	registry.Register("aws", func(context.Context, cloud.Credentials, string) (cloud.Driver, error) {
		builds++
		return cloud.NewFakeDriver(), nil
	})

	resolver := drivers.NewResolver(registry, store, reverseCodec{})

	for range 3 {
		_, _, err := resolver.ForConnector(t.Context(), conn.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, builds)
}

func TestResolver_UnknownConnector(t *testing.T) {
	store := &connectorStoreStub{connectors: map[uuid.UUID]*domain.CloudConnector{}}
	resolver := drivers.NewResolver(cloud.NewRegistry(), store, reverseCodec{})

	_, _, err := resolver.ForConnector(t.Context(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolver_UnregisteredProvider(t *testing.T) {
	store := &connectorStoreStub{connectors: map[uuid.UUID]*domain.CloudConnector{}}
	conn := seedConnector(store)
	conn.Provider = "gcp"

	resolver := drivers.NewResolver(cloud.NewRegistry(), store, reverseCodec{})

	_, _, err := resolver.ForConnector(t.Context(), conn.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no cloud driver registered for provider "gcp"`)
}

func TestValidator_ReportsMissingPermissions(t *testing.T) {
	store := &connectorStoreStub{connectors: map[uuid.UUID]*domain.CloudConnector{}}
	conn := seedConnector(store)

	registry := cloud.NewRegistry()
	registry.Register("aws", func(context.Context, cloud.Credentials, string) (cloud.Driver, error) {
		drv := cloud.NewFakeDriver()
		drv.Validation = cloud.AccountValidation{OK: false, Missing: []string{"ec2:RunInstances"}}
		return drv, nil
	})

	validator := drivers.NewValidator(drivers.NewResolver(registry, store, reverseCodec{}))

	result, err := validator.ValidateConnector(t.Context(), conn.ID)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, []string{"ec2:RunInstances"}, result.Missing)
}
