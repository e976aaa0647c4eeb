package pgledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

// Locker is a session-level advisory lock. It keeps one orchestrator cycle
// in flight per pool across every process sharing the database.
type Locker struct {
	log  *slog.Logger
	pool *pgxpool.Pool
	key  int64
}

func NewLocker(log *slog.Logger, pool *pgxpool.Pool, key int64) (*Locker, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	return &Locker{log: log, pool: pool, key: key}, nil
}

// TryLock takes the lock without waiting. It returns ErrCycleInProgress if
// another session holds it. The returned unlock must be called exactly once.
func (l *Locker) TryLock(ctx context.Context) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to acquire connection: %w", err))
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&locked); err != nil {
		conn.Release()
		return nil, poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to take advisory lock: %w", err))
	}
	if !locked {
		conn.Release()
		return nil, poolerr.ErrCycleInProgress
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
			// Closing the session drops its advisory locks.
			l.log.Warn("pgledger: failed to release advisory lock, closing connection", "error", err)
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}
