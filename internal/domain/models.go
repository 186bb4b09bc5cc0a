// Package domain defines the core business types shared across burrowd.
// These types represent the orchestration engine's data model — not HTTP
// or cloud-provider specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type, the api
// package defines a response struct instead. Internal-only fields are
// tagged `json:"-"` to prevent accidental exposure (encrypted key material,
// terminal tokens).
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested resource does not exist.
var ErrNotFound = errors.New("resource not found")

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ErrInvalidRequest indicates the request failed validation (inactive image,
// session too long, unknown state in a report).
var ErrInvalidRequest = errors.New("invalid request")

// ErrConflict indicates a conditional update lost a race (e.g. two allocators
// claiming the same ready runner). The loser retries or falls through.
var ErrConflict = errors.New("concurrency conflict")

// MaxSessionMinutes is the hard cap on total session duration (3 hours).
// Initial sessions and extensions may never push session_end past
// session_start + MaxSessionMinutes.
const MaxSessionMinutes = 180

// Runner is the central entity: a managed cloud VM offered to a single user
// for a bounded session.
type Runner struct {
	ID           uuid.UUID `json:"id"`
	InstanceID   string    `json:"instance_id"`   // cloud-assigned
	ExternalHash string    `json:"external_hash"` // stable hash for external correlation

	ImageID   uuid.UUID  `json:"image_id"`
	MachineID uuid.UUID  `json:"machine_id"`
	KeyID     *uuid.UUID `json:"key_id,omitempty"`
	UserID    *string    `json:"user_id,omitempty"`

	State RunnerState `json:"state"`

	IP     string `json:"ip"`                // empty until assigned
	UserIP string `json:"user_ip,omitempty"` // authorized client IP

	LifecycleToken string `json:"lifecycle_token"`
	TerminalToken  string `json:"-"`

	SessionStart *time.Time `json:"session_start,omitempty"`
	SessionEnd   *time.Time `json:"session_end,omitempty"`
	EndedOn      *time.Time `json:"ended_on,omitempty"`

	// EnvData is the opaque key/value bag supplied at claim, used as
	// script template context.
	EnvData map[string]string `json:"env_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// URL returns the user-facing address of the runner's in-image application.
// Valid once the runner has a public IP.
func (r *Runner) URL() string {
	if r.IP == "" {
		return ""
	}
	return "http://" + r.IP + ":3000"
}

// HistoryRecord is one entry in a runner's append-only history log.
// Writes are non-blocking observations; they never influence state.
type HistoryRecord struct {
	ID        int64           `json:"id"`
	RunnerID  uuid.UUID       `json:"runner_id"`
	EventName string          `json:"event_name"`
	EventData json.RawMessage `json:"event_data,omitempty"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// ImageStatus represents the lifecycle status of a VM image.
type ImageStatus string

const (
	ImageStatusCreating ImageStatus = "creating"
	ImageStatusActive   ImageStatus = "active"
	ImageStatusInactive ImageStatus = "inactive"
	ImageStatusDeleted  ImageStatus = "deleted"
)

// ValidImageStatus returns true if s is a known image status.
func ValidImageStatus(s string) bool {
	switch ImageStatus(s) {
	case ImageStatusCreating, ImageStatusActive, ImageStatusInactive, ImageStatusDeleted:
		return true
	}
	return false
}

// Image is a VM template plus pool configuration. Only active images are
// eligible for allocation and pool fill.
type Image struct {
	ID               uuid.UUID   `json:"id"`
	Identifier       string      `json:"identifier"` // cloud image ref, e.g. an AMI id
	MachineID        uuid.UUID   `json:"machine_id"`
	CloudConnectorID uuid.UUID   `json:"cloud_connector_id"`
	PoolSize         int         `json:"pool_size"`
	Status           ImageStatus `json:"status"`
	Tags             []string    `json:"tags"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Machine is cloud instance-type metadata.
type Machine struct {
	ID           uuid.UUID `json:"id"`
	InstanceType string    `json:"instance_type"` // e.g. "t3.large"
	CPU          int       `json:"cpu"`
	MemoryMB     int       `json:"memory_mb"`
	CreatedAt    time.Time `json:"created_at"`
}

// CloudConnector holds provider, region, and encrypted credentials.
// Each connector owns one cloud driver instance.
type CloudConnector struct {
	ID        uuid.UUID `json:"id"`
	Provider  string    `json:"provider"` // driver registry key, e.g. "aws"
	Region    string    `json:"region"`
	Tag       string    `json:"tag"` // suffix for provider-side resource names
	AccessKey string    `json:"-"`   // encrypted at rest
	SecretKey string    `json:"-"`   // encrypted at rest
	CreatedAt time.Time `json:"created_at"`
}

// Key is a per-day SSH keypair, one per cloud connector.
// UNIQUE(key_date, cloud_connector_id).
type Key struct {
	ID               uuid.UUID `json:"id"`
	KeyDate          string    `json:"key_date"` // YYYY-MM-DD
	CloudConnectorID uuid.UUID `json:"cloud_connector_id"`
	CloudKeyID       string    `json:"cloud_key_id"`
	KeyName          string    `json:"key_name"`
	EncryptedKey     string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// SecurityGroupStatus represents the lifecycle status of a security group record.
type SecurityGroupStatus string

const (
	SecurityGroupActive          SecurityGroupStatus = "active"
	SecurityGroupPendingDeletion SecurityGroupStatus = "pending_deletion"
	SecurityGroupDeleted         SecurityGroupStatus = "deleted"
)

// SecurityGroup is a per-runner cloud security group record.
type SecurityGroup struct {
	ID               uuid.UUID           `json:"id"`
	CloudGroupID     string              `json:"cloud_group_id"`
	CloudConnectorID uuid.UUID           `json:"cloud_connector_id"`
	InboundRules     json.RawMessage     `json:"inbound_rules,omitempty"`
	Status           SecurityGroupStatus `json:"status"`
	CreatedAt        time.Time           `json:"created_at"`
}

// ScriptEvent identifies which lifecycle hook a script is bound to.
type ScriptEvent string

const (
	ScriptOnStartup        ScriptEvent = "on_startup"
	ScriptOnAwaitingClient ScriptEvent = "on_awaiting_client"
	ScriptOnTerminate      ScriptEvent = "on_terminate"
)

// Script is a per-image shell script rendered with `{{name}}` substitution
// from the runner's env_data and executed over SSH at its bound event.
type Script struct {
	ID        uuid.UUID   `json:"id"`
	ImageID   uuid.UUID   `json:"image_id"`
	Event     ScriptEvent `json:"event"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}
