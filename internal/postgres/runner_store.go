package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunnerStore implements api.RunnerStore backed by Postgres.
//
// State changes go through conditional UPDATEs so concurrent pipelines and
// API calls cannot clobber each other: the row's current state is part of
// the WHERE clause and a zero-row update reports domain.ErrConflict.
type RunnerStore struct {
	pool *pgxpool.Pool
}

// NewRunnerStore creates a RunnerStore backed by the given pool.
func NewRunnerStore(pool *pgxpool.Pool) *RunnerStore {
	return &RunnerStore{pool: pool}
}

// CreateRunner inserts the runner and its first history record in one
// transaction. The runner's ID and timestamps are filled in on return.
func (s *RunnerStore) CreateRunner(ctx context.Context, r *domain.Runner, initiatedBy string) error {
	envJSON, err := envDataToJSON(r.EnvData)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create runner tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	err = tx.QueryRow(ctx,
		`INSERT INTO runners (instance_id, external_hash, image_id, machine_id, key_id, user_id,
		                      state, ip, user_ip, lifecycle_token, terminal_token,
		                      session_start, session_end, env_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at, updated_at`,
		r.InstanceID, r.ExternalHash, r.ImageID, r.MachineID, r.KeyID, r.UserID,
		string(r.State), r.IP, r.UserIP, r.LifecycleToken, r.TerminalToken,
		r.SessionStart, r.SessionEnd, envJSON,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO runner_history (runner_id, event_name, created_by) VALUES ($1, $2, $3)`,
		r.ID, "runner_created", initiatedBy,
	); err != nil {
		return fmt.Errorf("record runner creation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create runner tx: %w", err)
	}
	return nil
}

// GetRunner returns the runner by id, or domain.ErrNotFound.
func (s *RunnerStore) GetRunner(ctx context.Context, id uuid.UUID) (*domain.Runner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE id = $1`, id)
	r, err := scanRunner(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetByLifecycleToken resolves a runner from its lifecycle token.
func (s *RunnerStore) GetByLifecycleToken(ctx context.Context, token string) (*domain.Runner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE lifecycle_token = $1`, token)
	r, err := scanRunner(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetByTerminalToken resolves a runner from its terminal attach token.
func (s *RunnerStore) GetByTerminalToken(ctx context.Context, token string) (*domain.Runner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE terminal_token = $1`, token)
	r, err := scanRunner(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindUserRunner returns the user's live runner for the image, if any.
// A user holds at most one live runner per image, so first match wins.
func (s *RunnerStore) FindUserRunner(ctx context.Context, userID string, imageID uuid.UUID) (*domain.Runner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runnerColumns+` FROM runners
		 WHERE user_id = $1 AND image_id = $2
		   AND state NOT IN ('closed', 'terminated', 'closed_pool', 'error', 'terminating')
		 ORDER BY created_at DESC LIMIT 1`,
		userID, imageID)
	r, err := scanRunner(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRunners returns runners matching the filter, newest first.
func (s *RunnerStore) ListRunners(ctx context.Context, filter api.RunnerFilter) ([]domain.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners WHERE 1=1`
	args := []any{}
	argN := 1

	if filter.ImageID != uuid.Nil {
		query += fmt.Sprintf(" AND image_id = $%d", argN)
		args = append(args, filter.ImageID)
		argN++
	}
	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argN)
		args = append(args, string(filter.State))
		argN++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argN)
		args = append(args, filter.UserID)
		argN++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	result := []domain.Runner{}
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ClaimReady atomically claims the oldest ready runner of the image for a
// user: one claimant wins, the rest see domain.ErrNotFound and fall through
// to a cold launch. SKIP LOCKED keeps concurrent claimants from serializing
// on the same row.
func (s *RunnerStore) ClaimReady(ctx context.Context, imageID uuid.UUID, claim api.ClaimParams) (*domain.Runner, error) {
	envJSON, err := envDataToJSON(claim.EnvData)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE runners
		 SET state = $2, user_id = $3, user_ip = $4,
		     session_start = $5, session_end = $6, env_data = $7, updated_at = now()
		 WHERE id = (
		     SELECT id FROM runners
		     WHERE image_id = $1 AND state = $8
		     ORDER BY created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+runnerColumns,
		imageID, string(domain.StateReadyClaimed), claim.UserID, claim.UserIP,
		claim.SessionStart, claim.SessionEnd, envJSON, string(domain.StateReady))
	r, err := scanRunner(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TransitionState moves the runner from one state to another, failing with
// domain.ErrConflict if the runner is no longer in the expected state.
// Terminal target states stamp ended_on.
func (s *RunnerStore) TransitionState(ctx context.Context, id uuid.UUID, from, to domain.RunnerState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners
		 SET state = $3,
		     ended_on = CASE WHEN $4 THEN now() ELSE ended_on END,
		     updated_at = now()
		 WHERE id = $1 AND state = $2`,
		id, string(from), string(to), to.Terminal())
	if err != nil {
		return fmt.Errorf("transition runner %s %s->%s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// SetState unconditionally moves the runner to the given state. Used for
// error marking and other transitions validated by the caller.
func (s *RunnerStore) SetState(ctx context.Context, id uuid.UUID, to domain.RunnerState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners
		 SET state = $2,
		     ended_on = CASE WHEN $3 THEN now() ELSE ended_on END,
		     updated_at = now()
		 WHERE id = $1`,
		id, string(to), to.Terminal())
	if err != nil {
		return fmt.Errorf("set runner %s state %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetInstance records the provider instance id and keypair after launch.
func (s *RunnerStore) SetInstance(ctx context.Context, id uuid.UUID, instanceID string, keyID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runners SET instance_id = $2, key_id = $3, updated_at = now() WHERE id = $1`,
		id, instanceID, keyID)
	if err != nil {
		return fmt.Errorf("set runner %s instance: %w", id, err)
	}
	return nil
}

// SetIP records the runner's assigned public IP.
func (s *RunnerStore) SetIP(ctx context.Context, id uuid.UUID, ip string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runners SET ip = $2, updated_at = now() WHERE id = $1`, id, ip)
	if err != nil {
		return fmt.Errorf("set runner %s ip: %w", id, err)
	}
	return nil
}

// SetUserIP records the client address used for ingress authorization.
func (s *RunnerStore) SetUserIP(ctx context.Context, id uuid.UUID, userIP string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runners SET user_ip = $2, updated_at = now() WHERE id = $1`, id, userIP)
	if err != nil {
		return fmt.Errorf("set runner %s user ip: %w", id, err)
	}
	return nil
}

// UpdateSessionEnd moves the session deadline (extension or shrink).
func (s *RunnerStore) UpdateSessionEnd(ctx context.Context, id uuid.UUID, sessionEnd time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET session_end = $2, updated_at = now() WHERE id = $1`, id, sessionEnd)
	if err != nil {
		return fmt.Errorf("update runner %s session end: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListExpired returns runners whose session deadline has passed and which
// still hold cloud resources. Ready pool runners have no session and are
// handled by the idle reap instead.
func (s *RunnerStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners
		 WHERE session_end IS NOT NULL AND session_end < $1
		   AND state NOT IN ('terminated', 'ready', 'closed', 'closed_pool', 'error', 'terminating')`,
		now)
	if err != nil {
		return nil, fmt.Errorf("list expired runners: %w", err)
	}
	defer rows.Close()

	var result []domain.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListIdleReady returns unclaimed pool runners not touched since the cutoff.
func (s *RunnerStore) ListIdleReady(ctx context.Context, imageID uuid.UUID, cutoff time.Time) ([]domain.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners
		 WHERE image_id = $1 AND state = $2 AND updated_at < $3`,
		imageID, string(domain.StateReady), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list idle ready runners: %w", err)
	}
	defer rows.Close()

	var result []domain.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// OldestReady returns up to n oldest ready runners for the image, used when
// shrinking an oversized pool.
func (s *RunnerStore) OldestReady(ctx context.Context, imageID uuid.UUID, n int) ([]domain.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners
		 WHERE image_id = $1 AND state = $2
		 ORDER BY created_at LIMIT $3`,
		imageID, string(domain.StateReady), n)
	if err != nil {
		return nil, fmt.Errorf("oldest ready runners: %w", err)
	}
	defer rows.Close()

	var result []domain.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountByImageAndState counts runners of the image in any of the states.
func (s *RunnerStore) CountByImageAndState(ctx context.Context, imageID uuid.UUID, states ...domain.RunnerState) (int, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runners WHERE image_id = $1 AND state = ANY($2)`,
		imageID, names).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runners: %w", err)
	}
	return count, nil
}

// AppendHistory records an observation on the runner's history log.
// History is append-only and never read back by the pipelines.
func (s *RunnerStore) AppendHistory(ctx context.Context, runnerID uuid.UUID, eventName string, eventData any, createdBy string) error {
	var dataJSON []byte
	if eventData != nil {
		var err error
		dataJSON, err = json.Marshal(eventData)
		if err != nil {
			return fmt.Errorf("marshal history event data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runner_history (runner_id, event_name, event_data, created_by)
		 VALUES ($1, $2, $3, $4)`,
		runnerID, eventName, dataJSON, createdBy)
	if err != nil {
		return fmt.Errorf("append runner history: %w", err)
	}
	return nil
}

// ListHistory returns the runner's history records, oldest first.
func (s *RunnerStore) ListHistory(ctx context.Context, runnerID uuid.UUID) ([]domain.HistoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, runner_id, event_name, event_data, created_by, created_at
		 FROM runner_history WHERE runner_id = $1 ORDER BY created_at, id`,
		runnerID)
	if err != nil {
		return nil, fmt.Errorf("list runner history: %w", err)
	}
	defer rows.Close()

	result := []domain.HistoryRecord{}
	for rows.Next() {
		var rec domain.HistoryRecord
		var data []byte
		if err := rows.Scan(&rec.ID, &rec.RunnerID, &rec.EventName, &data, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		rec.EventData = data
		result = append(result, rec)
	}
	return result, rows.Err()
}
