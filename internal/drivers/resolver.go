// Package drivers resolves cloud drivers from stored connectors: it loads
// the connector record, decrypts its credentials, and hands them to the
// provider registry. Everything that talks to a cloud provider goes through
// a Resolver.
package drivers

import (
	"context"
	"fmt"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
)

// Decrypter opens encrypted connector credentials. Implemented by the
// secrets codec.
type Decrypter interface {
	Decrypt(encoded string) (string, error)
}

// Resolver builds drivers for connectors. Driver instances are cached per
// connector by the registry, so resolving is cheap after first use.
type Resolver struct {
	registry   *cloud.Registry
	connectors api.ConnectorStore
	codec      Decrypter
}

// NewResolver creates a Resolver over the given registry and store.
func NewResolver(registry *cloud.Registry, connectors api.ConnectorStore, codec Decrypter) *Resolver {
	return &Resolver{registry: registry, connectors: connectors, codec: codec}
}

// ForConnector returns the driver and connector record for a connector id.
func (r *Resolver) ForConnector(ctx context.Context, connectorID uuid.UUID) (cloud.Driver, *domain.CloudConnector, error) {
	conn, err := r.connectors.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, nil, fmt.Errorf("load connector %s: %w", connectorID, err)
	}

	accessKey, err := r.codec.Decrypt(conn.AccessKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt access key for connector %s: %w", connectorID, err)
	}
	secretKey, err := r.codec.Decrypt(conn.SecretKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt secret key for connector %s: %w", connectorID, err)
	}

	drv, err := r.registry.ForConnector(ctx, conn.ID.String(), conn.Provider,
		cloud.Credentials{AccessKey: accessKey, SecretKey: secretKey}, conn.Region)
	if err != nil {
		return nil, nil, err
	}
	return drv, conn, nil
}

// Validator probes connector credentials against the provider.
// Implements the API's AccountValidator.
type Validator struct {
	resolver *Resolver
}

// NewValidator creates a Validator over the resolver.
func NewValidator(resolver *Resolver) *Validator {
	return &Validator{resolver: resolver}
}

// ValidateConnector dry-runs the cloud actions the engine depends on and
// reports which ones the credentials cannot perform.
func (v *Validator) ValidateConnector(ctx context.Context, connectorID uuid.UUID) (cloud.AccountValidation, error) {
	drv, _, err := v.resolver.ForConnector(ctx, connectorID)
	if err != nil {
		return cloud.AccountValidation{}, err
	}
	return drv.ValidateAccount(ctx)
}

var _ api.AccountValidator = (*Validator)(nil)
