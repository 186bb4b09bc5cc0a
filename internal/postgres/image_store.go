package postgres

import (
	"context"
	"fmt"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ImageStore implements api.ImageStore backed by Postgres. It also owns the
// machines table since images are never handled without their machine type.
type ImageStore struct {
	pool *pgxpool.Pool
}

// NewImageStore creates an ImageStore backed by the given pool.
func NewImageStore(pool *pgxpool.Pool) *ImageStore {
	return &ImageStore{pool: pool}
}

const imageColumns = `id, identifier, machine_id, cloud_connector_id, pool_size, status, tags, created_at, updated_at`

func scanImage(row rowScanner) (domain.Image, error) {
	var img domain.Image
	var status string
	if err := row.Scan(&img.ID, &img.Identifier, &img.MachineID, &img.CloudConnectorID,
		&img.PoolSize, &status, &img.Tags, &img.CreatedAt, &img.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Image{}, domain.ErrNotFound
		}
		return domain.Image{}, fmt.Errorf("scan image: %w", err)
	}
	img.Status = domain.ImageStatus(status)
	return img, nil
}

// CreateImage inserts the image and fills in its ID and timestamps.
func (s *ImageStore) CreateImage(ctx context.Context, img *domain.Image) error {
	if img.Tags == nil {
		img.Tags = []string{}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO images (identifier, machine_id, cloud_connector_id, pool_size, status, tags)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		img.Identifier, img.MachineID, img.CloudConnectorID, img.PoolSize, string(img.Status), img.Tags,
	).Scan(&img.ID, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

// GetImage returns the image by id, or domain.ErrNotFound.
func (s *ImageStore) GetImage(ctx context.Context, id uuid.UUID) (*domain.Image, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	img, err := scanImage(row)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// ListImages returns all images, excluding deleted ones unless includeDeleted.
func (s *ImageStore) ListImages(ctx context.Context, includeDeleted bool) ([]domain.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images`
	if !includeDeleted {
		query += ` WHERE status != 'deleted'`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	result := []domain.Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, img)
	}
	return result, rows.Err()
}

// ListPooledImages returns images the pool controller must reconcile:
// active images with a non-zero pool size, plus any image still holding
// ready runners. The second set covers pools scaled to zero or deactivated,
// whose warm runners must drain rather than leak.
func (s *ImageStore) ListPooledImages(ctx context.Context) ([]domain.Image, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+imageColumns+` FROM images
		 WHERE (status = 'active' AND pool_size > 0)
		    OR EXISTS (SELECT 1 FROM runners r WHERE r.image_id = images.id AND r.state = 'ready')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pooled images: %w", err)
	}
	defer rows.Close()

	result := []domain.Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, img)
	}
	return result, rows.Err()
}

// UpdateImage updates the mutable image fields: pool size, status, and tags.
func (s *ImageStore) UpdateImage(ctx context.Context, img *domain.Image) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET pool_size = $2, status = $3, tags = $4, updated_at = now() WHERE id = $1`,
		img.ID, img.PoolSize, string(img.Status), img.Tags)
	if err != nil {
		return fmt.Errorf("update image %s: %w", img.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateMachine inserts an instance-type record.
func (s *ImageStore) CreateMachine(ctx context.Context, m *domain.Machine) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO machines (instance_type, cpu, memory_mb) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		m.InstanceType, m.CPU, m.MemoryMB,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	return nil
}

// GetMachine returns the machine by id, or domain.ErrNotFound.
func (s *ImageStore) GetMachine(ctx context.Context, id uuid.UUID) (*domain.Machine, error) {
	var m domain.Machine
	err := s.pool.QueryRow(ctx,
		`SELECT id, instance_type, cpu, memory_mb, created_at FROM machines WHERE id = $1`, id,
	).Scan(&m.ID, &m.InstanceType, &m.CPU, &m.MemoryMB, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return &m, nil
}

// ListMachines returns all machines.
func (s *ImageStore) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instance_type, cpu, memory_mb, created_at FROM machines ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	result := []domain.Machine{}
	for rows.Next() {
		var m domain.Machine
		if err := rows.Scan(&m.ID, &m.InstanceType, &m.CPU, &m.MemoryMB, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
