package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/gtserver/internal/config"
	"github.com/cory-johannsen/gtserver/internal/storage/postgres"
)

// Environment switches for storage integration tests.
const (
	EnvTestDSN        = "TEST_DSN"
	EnvTestcontainers = "GTSERVER_TESTCONTAINERS"
)

// NewPostgres returns a connected pool with the schema applied.
//
// TEST_DSN points the tests at an existing database. Otherwise, when
// GTSERVER_TESTCONTAINERS=1, a postgres container is started. With neither
// set the test is skipped.
//
// Postcondition: The pool is closed and any container terminated on cleanup.
func NewPostgres(t *testing.T) *postgres.Pool {
	t.Helper()
	ctx := context.Background()

	var pool *postgres.Pool
	switch {
	case os.Getenv(EnvTestDSN) != "":
		p, err := postgres.Connect(ctx, os.Getenv(EnvTestDSN))
		if err != nil {
			t.Fatalf("connecting to %s: %v", EnvTestDSN, err)
		}
		pool = p
	case os.Getenv(EnvTestcontainers) == "1":
		pool = newPostgresContainer(t)
	default:
		t.Skipf("set %s or %s=1 to run storage integration tests", EnvTestDSN, EnvTestcontainers)
	}
	t.Cleanup(pool.Close)

	applyMigrations(t, pool)
	return pool
}

// newPostgresContainer starts a PostgreSQL test container and returns a
// connected Pool.
//
// Precondition: Docker must be available.
func newPostgresContainer(t *testing.T) *postgres.Pool {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting container host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("getting mapped port: %v", err)
	}

	pool, err := postgres.NewPool(ctx, config.DatabaseConfig{
		Host:            host,
		Port:            mappedPort.Int(),
		User:            "test",
		Password:        "test",
		Name:            "test",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("connecting to test postgres: %v [%s]", err, time.Since(start))
	}
	t.Logf("postgres container started [%s]", time.Since(start))
	return pool
}

// applyMigrations executes every migrations/*.up.sql in order. This avoids
// requiring the migrate tool in the test environment.
func applyMigrations(t *testing.T, pool *postgres.Pool) {
	t.Helper()
	ctx := context.Background()

	files, err := filepath.Glob(filepath.Join(RepoRoot(t), "migrations", "*.up.sql"))
	if err != nil {
		t.Fatalf("listing migrations: %v", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("reading %s: %v", f, err)
		}
		if _, err := pool.DB().Exec(ctx, string(sql)); err != nil {
			t.Fatalf("applying %s: %v", f, err)
		}
	}
}

// RepoRoot walks up from the test's working directory to the module root.
func RepoRoot(t testing.TB) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root
		}
		parent := filepath.Dir(root)
		if parent == root {
			t.Fatalf("could not find repo root from %s", wd)
		}
		root = parent
	}
}
