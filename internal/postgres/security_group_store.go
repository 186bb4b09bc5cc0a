package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SecurityGroupStore implements api.SecurityGroupStore backed by Postgres.
// Groups are shared between runners through the association table; the GC
// deletes a group only once no live runner references it.
type SecurityGroupStore struct {
	pool *pgxpool.Pool
}

// NewSecurityGroupStore creates a SecurityGroupStore backed by the given pool.
func NewSecurityGroupStore(pool *pgxpool.Pool) *SecurityGroupStore {
	return &SecurityGroupStore{pool: pool}
}

const sgColumns = `id, cloud_group_id, cloud_connector_id, inbound_rules, status, created_at`

func scanSecurityGroup(row rowScanner) (domain.SecurityGroup, error) {
	var sg domain.SecurityGroup
	var status string
	var rules []byte
	if err := row.Scan(&sg.ID, &sg.CloudGroupID, &sg.CloudConnectorID, &rules, &status, &sg.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.SecurityGroup{}, domain.ErrNotFound
		}
		return domain.SecurityGroup{}, fmt.Errorf("scan security group: %w", err)
	}
	sg.InboundRules = rules
	sg.Status = domain.SecurityGroupStatus(status)
	return sg, nil
}

// CreateGroup inserts the security group record.
func (s *SecurityGroupStore) CreateGroup(ctx context.Context, sg *domain.SecurityGroup) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO security_groups (cloud_group_id, cloud_connector_id, inbound_rules, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		sg.CloudGroupID, sg.CloudConnectorID, []byte(sg.InboundRules), string(sg.Status),
	).Scan(&sg.ID, &sg.CreatedAt)
	if err != nil {
		return fmt.Errorf("create security group: %w", err)
	}
	return nil
}

// Associate links the security group to a runner.
func (s *SecurityGroupStore) Associate(ctx context.Context, runnerID, groupID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runner_security_groups (runner_id, security_group_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		runnerID, groupID)
	if err != nil {
		return fmt.Errorf("associate security group: %w", err)
	}
	return nil
}

// GroupsForRunner returns the security groups associated with the runner.
func (s *SecurityGroupStore) GroupsForRunner(ctx context.Context, runnerID uuid.UUID) ([]domain.SecurityGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sgColumns+` FROM security_groups
		 WHERE id IN (SELECT security_group_id FROM runner_security_groups WHERE runner_id = $1)`,
		runnerID)
	if err != nil {
		return nil, fmt.Errorf("security groups for runner: %w", err)
	}
	defer rows.Close()

	result := []domain.SecurityGroup{}
	for rows.Next() {
		sg, err := scanSecurityGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sg)
	}
	return result, rows.Err()
}

// UpdateRules replaces the group's recorded inbound rule set.
func (s *SecurityGroupStore) UpdateRules(ctx context.Context, id uuid.UUID, rules json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE security_groups SET inbound_rules = $2 WHERE id = $1`, id, []byte(rules))
	if err != nil {
		return fmt.Errorf("update security group %s rules: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkStatus updates the group's lifecycle status.
func (s *SecurityGroupStore) MarkStatus(ctx context.Context, id uuid.UUID, status domain.SecurityGroupStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE security_groups SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("mark security group %s %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListCollectable returns non-deleted groups whose every associated runner
// has released its cloud resources. These are safe to delete provider-side.
func (s *SecurityGroupStore) ListCollectable(ctx context.Context) ([]domain.SecurityGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sgColumns+` FROM security_groups sg
		 WHERE sg.status != 'deleted'
		   AND NOT EXISTS (
		       SELECT 1 FROM runner_security_groups rsg
		       JOIN runners r ON r.id = rsg.runner_id
		       WHERE rsg.security_group_id = sg.id
		         AND r.state NOT IN ('terminated', 'closed_pool', 'error')
		   )`)
	if err != nil {
		return nil, fmt.Errorf("list collectable security groups: %w", err)
	}
	defer rows.Close()

	result := []domain.SecurityGroup{}
	for rows.Next() {
		sg, err := scanSecurityGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sg)
	}
	return result, rows.Err()
}
