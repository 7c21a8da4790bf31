package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx used by the store. It is satisfied by
// *pgxpool.Pool and pgx.Tx, so store methods run unchanged inside and
// outside transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner executes fn atomically while holding an exclusive,
// per-key serialization. Two concurrent calls with the same key never
// interleave; calls with different keys proceed independently.
//
// The production implementation uses a transaction plus a Postgres
// advisory lock. Tests substitute an in-process mutex table.
type TxRunner interface {
	RunSerialized(ctx context.Context, key string, fn func(ctx context.Context, q Querier) error) error
}

// PgxTxRunner serializes via pg_advisory_xact_lock inside a
// transaction. The lock releases automatically at commit or rollback.
type PgxTxRunner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgxTxRunner creates a TxRunner backed by pool.
func NewPgxTxRunner(pool *pgxpool.Pool, logger *slog.Logger) (*PgxTxRunner, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PgxTxRunner{pool: pool, logger: logger}, nil
}

func (r *PgxTxRunner) RunSerialized(ctx context.Context, key string, fn func(ctx context.Context, q Querier) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("acquiring advisory lock: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MutexTxRunner serializes per key with in-process mutexes and runs fn
// against a fixed Querier, without transactional semantics. It exists
// for tests that exercise concurrency without a database.
type MutexTxRunner struct {
	db Querier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMutexTxRunner creates a MutexTxRunner over db.
func NewMutexTxRunner(db Querier) *MutexTxRunner {
	return &MutexTxRunner{db: db, locks: make(map[string]*sync.Mutex)}
}

func (r *MutexTxRunner) RunSerialized(ctx context.Context, key string, fn func(ctx context.Context, q Querier) error) error {
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx, r.db)
}
