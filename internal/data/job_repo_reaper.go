package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/mmk-orchestrator/internal/data/pgxutil"
)

// Advisory lock namespace for retention and reconciliation.
// Two-arg pg_try_advisory_xact_lock(major, minor); major 2100 belongs to the orchestrator.
const (
	advisoryLockReaperMajor          = 2100
	advisoryLockReaperFailProcessing = 1
	advisoryLockReaperDeleteJobs     = 2
	advisoryLockReaperDeleteResults  = 3
)

const staleProcessingError = "job timed out in processing status"

// FailStaleProcessing marks jobs stuck in processing longer than maxAge as failed.
// Returns 0 without error when another instance holds the lock.
func (r *JobRepo) FailStaleProcessing(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	now := r.timeProvider.Now()
	cutoff := now.Add(-maxAge)

	return withReaperLock(ctx, r.DB, advisoryLockReaperFailProcessing, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed',
			    error = $1,
			    finished_at = $2,
			    updated_at = $2
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = 'processing'
				  AND started_at < $3
				ORDER BY started_at
				LIMIT $4
			)`, staleProcessingError, now, cutoff, batchSize)
	})
}

// DeleteOldCompleted deletes completed jobs that finished more than olderThanDays ago.
// Jobs in any other status are never removed.
func (r *JobRepo) DeleteOldCompleted(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, errors.New("older than days must be >= 0")
	}
	cutoff := daysAgo(r.timeProvider, olderThanDays)

	return withReaperLock(ctx, r.DB, advisoryLockReaperDeleteJobs, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE status = 'completed'
			  AND finished_at < $1`, cutoff)
	})
}

// withReaperLock runs fn inside a transaction holding the given advisory lock and returns the rows affected.
func withReaperLock(ctx context.Context, db *sql.DB, minor int, fn func(tx *sql.Tx) (sql.Result, error)) (int64, error) {
	var rowsAffected int64
	err := pgxutil.InTx(ctx, db, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			return nil
		}

		res, err := fn(tx)
		if err != nil {
			return err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
