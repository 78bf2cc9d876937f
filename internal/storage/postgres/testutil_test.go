package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nexus-trading/pomp/internal/storage/migrations"
	"github.com/nexus-trading/pomp/internal/storage/postgres"
)

// setupTestStore starts a PostgreSQL container, applies the embedded
// migrations and returns a Store. Cleanup is registered on t.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in -short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := postgres.NewPool(ctx, dsn, 4)
	require.NoError(t, err, "failed to create pool")

	require.NoError(t, migrations.RunPostgres(ctx, pool))
	// Re-applying must be harmless.
	require.NoError(t, migrations.RunPostgres(ctx, pool))

	t.Cleanup(func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	return postgres.NewStore(pool)
}
