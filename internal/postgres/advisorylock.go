package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratnotify/notifyd/internal/notify"
)

// WriterMutexLockID is the fixed int64 advisory lock key guarding the
// engine's writer-mutex across replicas (spec §4.2/§5: "cluster-wide
// mutual exclusion, held until transaction end, released automatically").
// Chosen to avoid collisions with the leader-election lock id used
// elsewhere in this codebase's history.
const WriterMutexLockID int64 = 7526700533051

// HeavyweightLockManager implements notify.HeavyweightLockManager using a
// Postgres session-scoped advisory lock: Acquire opens a dedicated
// connection from pool and blocks on pg_advisory_lock, and the returned
// release func runs pg_advisory_unlock and returns the connection.
// Because the lock lives on a connection rather than inside the SQL
// transaction the caller is tracking, this is the session-lock analogue
// of pg_advisory_xact_lock: it is released exactly once, explicitly, by
// the release func, rather than implicitly at COMMIT — notifyd's engine
// always calls release from Commit/Abort so the effect is the same.
type HeavyweightLockManager struct {
	pool *pgxpool.Pool
}

// NewHeavyweightLockManager creates a Postgres-backed writer-mutex over pool.
func NewHeavyweightLockManager(pool *pgxpool.Pool) *HeavyweightLockManager {
	return &HeavyweightLockManager{pool: pool}
}

var _ notify.HeavyweightLockManager = (*HeavyweightLockManager)(nil)

// Acquire blocks until the advisory lock is held or ctx is done.
func (m *HeavyweightLockManager) Acquire(ctx context.Context, _ *notify.Txn) (func(), error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify/postgres: acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", WriterMutexLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("notify/postgres: pg_advisory_lock: %w", err)
	}

	release := func() {
		// Use a background context: the caller's ctx may already be
		// done by release time, but the unlock must still run so the
		// lock doesn't leak until the connection is reaped from the pool.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", WriterMutexLockID); err != nil {
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return release, nil
}
