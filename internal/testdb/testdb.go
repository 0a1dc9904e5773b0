//go:build integration

package testdb

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/storyboard-worker/internal/platform/postgres"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestTimeout bounds container start-up and migrations.
const TestTimeout = 5 * time.Minute

var (
	once     sync.Once
	sharedDB *sql.DB
	dsn      string
	setupErr error
)

// URL returns the connection string of the shared test database. Open must
// have been called first.
func URL() string {
	return dsn
}

// Open returns the shared, migrated test database with an empty ai_tasks table.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
		defer cancel()

		dsn = os.Getenv("DATABASE_URL")
		if dsn == "" {
			dsn, setupErr = startContainer(ctx)
			if setupErr != nil {
				return
			}
		}

		sharedDB, setupErr = postgres.Open(ctx, dsn, 20)
		if setupErr != nil {
			return
		}

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		setupErr = postgres.Migrate(ctx, sharedDB, "up", logger)
	})
	if setupErr != nil {
		t.Fatalf("test database unavailable: %v", setupErr)
	}

	if _, err := sharedDB.Exec(`TRUNCATE ai_tasks`); err != nil {
		t.Fatalf("failed to truncate ai_tasks: %v", err)
	}
	return sharedDB
}

// The container is left for the testcontainers reaper to remove when the
// test binary exits.
func startContainer(ctx context.Context) (string, error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("storyboard_test"),
		tcpostgres.WithUsername("storyboard"),
		tcpostgres.WithPassword("storyboard"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(TestTimeout),
		),
	)
	if err != nil {
		return "", err
	}
	return container.ConnectionString(ctx, "sslmode=disable")
}
