// Package testutil starts a migrated Postgres for store tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"delivtrack/internal/infra"
)

// Postgres returns a pool on a fresh, migrated database. TRACK_TEST_DSN points
// the tests at an existing server (run with -p 1, every package truncates the
// same tables); otherwise a container is started per test. Skipped under
// -short or when no container runtime is available.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres store tests skipped in short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("TRACK_TEST_DSN")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		ctr, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("delivtrack"),
			postgres.WithUsername("track"),
			postgres.WithPassword("track"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		testcontainers.CleanupContainer(t, ctr)
		require.NoError(t, err)
		dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := infra.NewDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, infra.Migrate(ctx, pool, MigrationsDir()))
	_, err = pool.Exec(ctx, `TRUNCATE order_state_events, orders, users`)
	require.NoError(t, err)
	return pool
}

// MigrationsDir locates the repository's migrations directory.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
