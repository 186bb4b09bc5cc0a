// Package secgroups manages per-runner cloud security groups: creation at
// launch, per-user ingress at claim, and garbage collection after the last
// associated runner is gone.
package secgroups

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/drivers"
	"github.com/google/uuid"
)

// appPort is the in-image application port opened per claiming user.
const appPort = 3000

// Manager owns security group lifecycle. Safe for concurrent use.
type Manager struct {
	store    api.SecurityGroupStore
	resolver *drivers.Resolver
}

// NewManager creates a security group manager.
func NewManager(store api.SecurityGroupStore, resolver *drivers.Resolver) *Manager {
	return &Manager{store: store, resolver: resolver}
}

// inboundRule mirrors the provider-side ingress rule for the stored record.
type inboundRule struct {
	CIDR string `json:"cidr"`
	Port int    `json:"port"`
}

// EnsureForRunner creates the runner's dedicated security group, tags it,
// records it, and associates it with the runner. Called once during launch.
func (m *Manager) EnsureForRunner(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector, runnerID uuid.UUID) (*domain.SecurityGroup, error) {
	name := groupName(runnerID, conn.Tag)
	groupID, err := drv.CreateSecurityGroup(ctx, name, "burrow runner "+runnerID.String())
	if err != nil {
		return nil, fmt.Errorf("create security group %s: %w", name, err)
	}

	if err := drv.TagResource(ctx, groupID, map[string]string{
		"Name":      name,
		"burrow:id": runnerID.String(),
	}); err != nil {
		slog.Warn("tagging security group failed",
			"group_id", groupID,
			"runner_id", runnerID,
			"error", err)
	}

	sg := &domain.SecurityGroup{
		CloudGroupID:     groupID,
		CloudConnectorID: conn.ID,
		Status:           domain.SecurityGroupActive,
	}
	if err := m.store.CreateGroup(ctx, sg); err != nil {
		return nil, fmt.Errorf("record security group %s: %w", groupID, err)
	}
	if err := m.store.Associate(ctx, runnerID, sg.ID); err != nil {
		return nil, fmt.Errorf("associate security group %s with runner %s: %w", groupID, runnerID, err)
	}
	return sg, nil
}

// AuthorizeUser opens the application port to the claiming user's address on
// every group associated with the runner. The rule is a single /32: only the
// claimant's machine can reach the runner.
func (m *Manager) AuthorizeUser(ctx context.Context, drv cloud.Driver, runnerID uuid.UUID, userIP string) error {
	if userIP == "" {
		return fmt.Errorf("authorize user ingress: %w: empty user ip", domain.ErrInvalidRequest)
	}
	groups, err := m.store.GroupsForRunner(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("load security groups for runner %s: %w", runnerID, err)
	}

	cidr := userIP + "/32"
	for _, sg := range groups {
		if err := drv.AuthorizeIngress(ctx, sg.CloudGroupID, cidr, appPort); err != nil {
			return fmt.Errorf("authorize %s on group %s: %w", cidr, sg.CloudGroupID, err)
		}
		rules := appendRule(sg.InboundRules, inboundRule{CIDR: cidr, Port: appPort})
		if err := m.store.UpdateRules(ctx, sg.ID, rules); err != nil {
			return fmt.Errorf("record ingress %s on group %s: %w", cidr, sg.CloudGroupID, err)
		}
	}
	return nil
}

// appendRule merges the rule into the stored rule set, keeping existing
// entries so a runner re-claimed from a new address records both.
func appendRule(stored json.RawMessage, rule inboundRule) json.RawMessage {
	var rules []inboundRule
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &rules); err != nil {
			slog.Warn("discarding unparseable inbound rules", "error", err)
			rules = nil
		}
	}
	for _, r := range rules {
		if r == rule {
			return stored
		}
	}
	rules = append(rules, rule)
	data, _ := json.Marshal(rules)
	return data
}

// Collect deletes security groups whose runners have all reached a terminal
// state. Provider-side "already gone" is success; anything else leaves the
// record for the next sweep. Returns the number of groups deleted.
func (m *Manager) Collect(ctx context.Context) (int, error) {
	collectable, err := m.store.ListCollectable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list collectable security groups: %w", err)
	}

	deleted := 0
	for _, sg := range collectable {
		drv, _, err := m.resolver.ForConnector(ctx, sg.CloudConnectorID)
		if err != nil {
			slog.Error("resolving driver for security group sweep failed",
				"group_id", sg.CloudGroupID,
				"connector_id", sg.CloudConnectorID,
				"error", err)
			continue
		}
		if err := drv.DeleteSecurityGroup(ctx, sg.CloudGroupID); err != nil {
			// DependencyViolation means an instance still references the
			// group; it resolves itself once the provider finishes teardown.
			slog.Warn("security group not deletable yet",
				"group_id", sg.CloudGroupID,
				"error", err)
			continue
		}
		if err := m.store.MarkStatus(ctx, sg.ID, domain.SecurityGroupDeleted); err != nil {
			slog.Error("marking security group deleted failed",
				"group_id", sg.CloudGroupID,
				"error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("security group sweep complete", "deleted", deleted, "candidates", len(collectable))
	}
	return deleted, nil
}

// groupName is the provider-side group name for a runner.
func groupName(runnerID uuid.UUID, tag string) string {
	if tag == "" {
		return "burrow-runner-" + runnerID.String()
	}
	return "burrow-runner-" + runnerID.String() + "-" + tag
}
