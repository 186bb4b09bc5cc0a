package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// nullableTextToPtr converts pgtype.Text to *string.
func nullableTextToPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// envDataToJSON marshals a runner env bag for the JSONB column.
// nil maps store as the empty object so scans round-trip cleanly.
func envDataToJSON(env map[string]string) ([]byte, error) {
	if env == nil {
		env = map[string]string{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal env_data: %w", err)
	}
	return data, nil
}

// runnerColumns is the shared column list for runner queries.
const runnerColumns = `id, instance_id, external_hash, image_id, machine_id, key_id, user_id,
       state, ip, user_ip, lifecycle_token, terminal_token,
       session_start, session_end, ended_on, env_data, created_at, updated_at`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRunner reads one runner row in runnerColumns order.
func scanRunner(row rowScanner) (domain.Runner, error) {
	var (
		r       domain.Runner
		keyID   pgtype.UUID
		userID  pgtype.Text
		envData []byte
	)
	if err := row.Scan(
		&r.ID, &r.InstanceID, &r.ExternalHash, &r.ImageID, &r.MachineID, &keyID, &userID,
		&r.State, &r.IP, &r.UserIP, &r.LifecycleToken, &r.TerminalToken,
		&r.SessionStart, &r.SessionEnd, &r.EndedOn, &envData, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Runner{}, domain.ErrNotFound
		}
		return domain.Runner{}, fmt.Errorf("scan runner: %w", err)
	}

	if keyID.Valid {
		id := uuid.UUID(keyID.Bytes)
		r.KeyID = &id
	}
	r.UserID = nullableTextToPtr(userID)
	if len(envData) > 0 {
		if err := json.Unmarshal(envData, &r.EnvData); err != nil {
			return domain.Runner{}, fmt.Errorf("unmarshal env_data: %w", err)
		}
	}
	return r, nil
}
