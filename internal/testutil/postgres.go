// Package testutil provides shared testing utilities for the corpusqa
// project: a PostgreSQL test container with the full schema applied,
// deterministic mock models, and test loggers.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDBContainer wraps a PostgreSQL test container with a connection
// pool. The container runs pgvector and has all migrations applied.
type TestDBContainer struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupTestDB starts a PostgreSQL container for a single test and
// registers cleanup on t. Prefer SetupTestDBForMain with a shared
// container when a package has many database tests.
func SetupTestDB(t *testing.T) *TestDBContainer {
	t.Helper()

	db, cleanup, err := SetupTestDBForMain()
	if err != nil {
		t.Fatalf("starting test database: %v", err)
	}
	t.Cleanup(cleanup)
	return db
}

// SetupTestDBForMain starts a PostgreSQL container for use from
// TestMain, so one container serves every test in the package. The
// returned cleanup terminates the container.
func SetupTestDBForMain() (*TestDBContainer, func(), error) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("corpusqa_test"),
		postgres.WithUsername("corpusqa_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("starting postgres container: %w", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, nil, fmt.Errorf("getting connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	db := &TestDBContainer{
		Container: pgContainer,
		Pool:      pool,
		ConnStr:   connStr,
	}
	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(context.Background())
	}
	return db, cleanup, nil
}

// CleanTables truncates every application table for test isolation.
func CleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	_, err := pool.Exec(context.Background(),
		`TRUNCATE messages, conversations, users, passages`)
	if err != nil {
		t.Fatalf("truncating tables: %v", err)
	}
}

// findProjectRoot walks up from this file until it finds go.mod, so
// tests locate migration files from any package directory.
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get current file path")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// runMigrations applies the SQL migrations in order, each in its own
// transaction. Production uses golang-migrate; this keeps the test
// path free of migration-tool state tables.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	projectRoot, err := findProjectRoot()
	if err != nil {
		return err
	}

	migrationFiles := []string{
		filepath.Join(projectRoot, "db/migrations/000001_init_schema.up.sql"),
		filepath.Join(projectRoot, "db/migrations/000002_create_passages.up.sql"),
	}

	for _, migrationPath := range migrationFiles {
		// #nosec G304 -- migration paths are hardcoded constants, not from user input
		migrationSQL, err := os.ReadFile(migrationPath)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", migrationPath, err)
		}
		if len(migrationSQL) == 0 {
			continue
		}

		err = func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("beginning transaction for %s: %w", migrationPath, err)
			}
			committed := false
			defer func() {
				if !committed {
					_ = tx.Rollback(ctx)
				}
			}()

			if _, err := tx.Exec(ctx, string(migrationSQL)); err != nil {
				return fmt.Errorf("executing migration %s: %w", migrationPath, err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("committing migration %s: %w", migrationPath, err)
			}
			committed = true
			return nil
		}()
		if err != nil {
			return err
		}
	}
	return nil
}
