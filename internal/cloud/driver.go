// Package cloud provides the provider-agnostic capability set the
// orchestration engine needs from an IaaS substrate: instances, keypairs,
// security groups, images, and script execution over SSH.
//
// Implementations register themselves by provider name; a CloudConnector's
// provider field selects the factory, and each connector owns one driver
// instance for its region and credentials.
package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptResult is the outcome of a shell script executed on a runner.
type ScriptResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// KeyPair is a provider-created SSH keypair. Material is the private key in
// PEM form; it is returned exactly once at creation.
type KeyPair struct {
	ID       string
	Name     string
	Material string
}

// LaunchSpec describes the instance to create.
type LaunchSpec struct {
	ImageRef         string // provider image id, e.g. an AMI
	InstanceType     string
	KeyName          string
	SecurityGroupIDs []string
	Tags             map[string]string
}

// TerminateStatus is the outcome of waiting for instance destruction.
type TerminateStatus string

const (
	// TerminateDone means the instance reached a terminal provider state.
	TerminateDone TerminateStatus = "terminated"
	// TerminateStillStopping means the instance was observed stopping when
	// the wait expired; the caller should reschedule with backoff.
	TerminateStillStopping TerminateStatus = "still_stopping"
)

// AccountValidation reports whether the connector's credentials can perform
// every action the engine needs. Missing lists the denied actions.
type AccountValidation struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing,omitempty"`
}

// Driver is the uniform capability set over one cloud provider, bound to a
// single connector (credentials + region). Implementations must be safe for
// concurrent use. All operations honor ctx cancellation.
type Driver interface {
	CreateKeyPair(ctx context.Context, name string) (KeyPair, error)
	DeleteKeyPair(ctx context.Context, name string) error

	CreateInstance(ctx context.Context, spec LaunchSpec) (instanceID string, err error)
	WaitRunning(ctx context.Context, instanceID string) error
	// DescribeIP returns the instance's public IPv4, or "" while the
	// provider has not assigned one yet.
	DescribeIP(ctx context.Context, instanceID string) (string, error)
	StopInstance(ctx context.Context, instanceID string) error
	StartInstance(ctx context.Context, instanceID string) error
	TerminateInstance(ctx context.Context, instanceID string) error
	WaitTerminated(ctx context.Context, instanceID string, timeout time.Duration) (TerminateStatus, error)

	CreateSecurityGroup(ctx context.Context, name, description string) (groupID string, err error)
	AuthorizeIngress(ctx context.Context, groupID, cidr string, port int) error
	DeleteSecurityGroup(ctx context.Context, groupID string) error
	TagResource(ctx context.Context, resourceID string, tags map[string]string) error

	RunScript(ctx context.Context, ip, privateKeyPEM, script string) (ScriptResult, error)

	CreateImage(ctx context.Context, instanceID, name string) (imageID string, err error)
	DeregisterImage(ctx context.Context, imageID string) error
	WaitImageAvailable(ctx context.Context, imageID string, retries int, delay time.Duration) error

	ValidateAccount(ctx context.Context) (AccountValidation, error)
}

// Credentials are the decrypted connector credentials handed to a factory.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Factory builds a Driver for one connector.
type Factory func(ctx context.Context, creds Credentials, region string) (Driver, error)

// Registry maps provider names to driver factories and caches one driver
// per connector id. Registered at process startup, read-only afterwards.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	drivers   map[string]Driver // connector id → driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		drivers:   make(map[string]Driver),
	}
}

// Register installs a factory under the given provider name.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// ForConnector returns the driver for the given connector, building and
// caching it on first use.
func (r *Registry) ForConnector(ctx context.Context, connectorID, provider string, creds Credentials, region string) (Driver, error) {
	r.mu.Lock()
	if d, ok := r.drivers[connectorID]; ok {
		r.mu.Unlock()
		return d, nil
	}
	f, ok := r.factories[provider]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no cloud driver registered for provider %q", provider)
	}

	d, err := f(ctx, creds, region)
	if err != nil {
		return nil, fmt.Errorf("build %s driver: %w", provider, err)
	}

	r.mu.Lock()
	r.drivers[connectorID] = d
	r.mu.Unlock()
	return d, nil
}
