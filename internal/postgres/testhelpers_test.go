package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// testPool connects to the database named by DATABASE_URL, applies
// migrations, and truncates all tables so each test starts clean.
// Tests are skipped when DATABASE_URL is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	cleanTables(t, pool)
	return pool
}

func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`TRUNCATE runner_history, runner_security_groups, runners, scripts,
		          images, keys, security_groups, machines, cloud_connectors CASCADE`)
	require.NoError(t, err)
}

// infra holds the fixture rows a runner depends on.
type infra struct {
	connector *domain.CloudConnector
	machine   *domain.Machine
	image     *domain.Image
}

func seedInfra(t *testing.T, pool *pgxpool.Pool) infra {
	t.Helper()
	ctx := context.Background()

	connectors := postgres.NewConnectorStore(pool)
	conn := &domain.CloudConnector{
		Provider:  "aws",
		Region:    "eu-west-1",
		Tag:       "test",
		AccessKey: "enc-access",
		SecretKey: "enc-secret",
	}
	require.NoError(t, connectors.CreateConnector(ctx, conn))

	images := postgres.NewImageStore(pool)
	machine := &domain.Machine{InstanceType: "t3.large", CPU: 2, MemoryMB: 8192}
	require.NoError(t, images.CreateMachine(ctx, machine))

	img := &domain.Image{
		Identifier:       "ami-0test0000000001",
		MachineID:        machine.ID,
		CloudConnectorID: conn.ID,
		PoolSize:         2,
		Status:           domain.ImageStatusActive,
	}
	require.NoError(t, images.CreateImage(ctx, img))

	return infra{connector: conn, machine: machine, image: img}
}

var runnerSeq int

// newRunner builds an unsaved runner row in the given state.
func newRunner(inf infra, state domain.RunnerState) *domain.Runner {
	runnerSeq++
	return &domain.Runner{
		ExternalHash:   fmt.Sprintf("hash-%d", runnerSeq),
		ImageID:        inf.image.ID,
		MachineID:      inf.machine.ID,
		State:          state,
		LifecycleToken: "lt-" + uuid.NewString(),
		TerminalToken:  "tt-" + uuid.NewString(),
		EnvData:        map[string]string{},
	}
}

// ageRunner pushes a runner's timestamps into the past. Used by tests that
// exercise cutoff and oldest-first queries.
func ageRunner(t *testing.T, pool *pgxpool.Pool, id uuid.UUID, by time.Duration) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE runners SET created_at = created_at - $2, updated_at = updated_at - $2 WHERE id = $1`,
		id, by)
	require.NoError(t, err)
}
