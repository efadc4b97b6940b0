package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteQueue is a persistent Queue backed by a SQLite "jobs" table. Several
// logical queues can share the table; rows are partitioned by the queue column.
//
// Claims run in a transaction that selects the oldest eligible row and then
// conditionally takes its lease, so a concurrent claimer that loses the race
// simply retries.
type SQLiteQueue struct {
	db   *sql.DB
	name string
	opts Options
}

// NewSQLiteQueue initializes the jobs table in the given DB and returns a
// queue for the given logical name.
func NewSQLiteQueue(db *sql.DB, name string, opts Options) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:   db,
		name: name,
		opts: opts.withDefaults(20 * time.Millisecond),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			queue            TEXT NOT NULL,
			execution_id     TEXT NOT NULL,
			node_id          TEXT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			not_before       INTEGER NOT NULL,
			enqueued_at      INTEGER NOT NULL,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			dead_at          INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS jobs_ready_idx ON jobs (queue, dead_at, not_before);
		CREATE INDEX IF NOT EXISTS jobs_execution_idx ON jobs (execution_id, node_id);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

const sqliteJobColumns = `id, queue, execution_id, node_id, attempts, not_before, enqueued_at,
	lease_owner, lease_expires_at, last_error, dead_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var (
		j                                          Job
		notBefore, enqueuedAt, leaseExpires, deadAt int64
	)
	if err := row.Scan(&j.ID, &j.Queue, &j.ExecutionID, &j.NodeID, &j.Attempts, &notBefore, &enqueuedAt,
		&j.LeaseOwner, &leaseExpires, &j.LastError, &deadAt); err != nil {
		return nil, err
	}
	j.NotBefore = time.Unix(0, notBefore)
	j.EnqueuedAt = time.Unix(0, enqueuedAt)
	if leaseExpires > 0 {
		j.LeaseExpiresAt = time.Unix(0, leaseExpires)
	}
	if deadAt > 0 {
		j.DeadAt = time.Unix(0, deadAt)
	}
	return &j, nil
}

func (q *SQLiteQueue) Name() string { return q.name }

func (q *SQLiteQueue) Enqueue(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		j.ID = newJobID()
	}
	now := q.opts.Now().UnixNano()
	notBefore := now
	if !j.NotBefore.IsZero() {
		notBefore = j.NotBefore.UnixNano()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, execution_id, node_id, attempts, not_before, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, q.name, j.ExecutionID, j.NodeID, j.Attempts, notBefore, now,
	)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (q *SQLiteQueue) Claim(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	if visibility <= 0 {
		return nil, errors.New("visibility must be > 0")
	}
	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := q.tryClaim(ctx, owner, visibility)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if err := waitPoll(ctx, tmr, q.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// tryClaim returns (nil, nil) when nothing is eligible or another claimer won.
func (q *SQLiteQueue) tryClaim(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	now := q.opts.Now()
	nowNs := now.UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE queue = ? AND dead_at = 0 AND not_before <= ?
		  AND (lease_owner = '' OR lease_expires_at <= ?)
		ORDER BY not_before, enqueued_at
		LIMIT 1`, q.name, nowNs, nowNs).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET attempts = attempts + 1, lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner = '' OR lease_expires_at <= ?)`,
		owner, now.Add(visibility).UnixNano(), id, nowNs)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}

	job, err := scanSQLiteJob(tx.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// loadLeased reads a job inside tx and verifies owner holds its lease.
func (q *SQLiteQueue) loadLeased(ctx context.Context, tx *sql.Tx, jobID, owner string) (*Job, error) {
	job, err := scanSQLiteJob(tx.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ? AND queue = ? AND dead_at = 0`, jobID, q.name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.LeaseOwner != owner || !job.LeaseExpiresAt.After(q.opts.Now()) {
		return nil, ErrLeaseLost
	}
	return job, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, jobID, owner string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := q.loadLeased(ctx, tx, jobID, owner); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *SQLiteQueue) Fail(ctx context.Context, jobID, owner string, f Failure) (FailResult, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return FailResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	job, err := q.loadLeased(ctx, tx, jobID, owner)
	if err != nil {
		return FailResult{}, err
	}

	now := q.opts.Now()
	res := q.opts.Policy.decide(job.Attempts, f, now)
	if res.DeadLettered {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET lease_owner = '', lease_expires_at = 0, last_error = ?, dead_at = ?
			WHERE id = ?`, f.message(), now.UnixNano(), jobID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET lease_owner = '', lease_expires_at = 0, last_error = ?, not_before = ?
			WHERE id = ?`, f.message(), res.NextAttemptAt.UnixNano(), jobID)
	}
	if err != nil {
		return FailResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return FailResult{}, err
	}
	return res, nil
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, jobID, owner string, visibility time.Duration) error {
	now := q.opts.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND queue = ? AND dead_at = 0 AND lease_owner = ? AND lease_expires_at > ?`,
		now.Add(visibility).UnixNano(), jobID, q.name, owner, now.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE queue = ? AND dead_at > 0
		ORDER BY dead_at
		LIMIT ?`, q.name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Redrive(ctx context.Context, jobID string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET dead_at = 0, attempts = 0, not_before = ?
		WHERE id = ? AND queue = ? AND dead_at > 0`, q.opts.Now().UnixNano(), jobID, q.name)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("redrive %s: %w", jobID, ErrJobNotFound)
	}
	job, err := scanSQLiteJob(tx.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *SQLiteQueue) HasJob(ctx context.Context, executionID, nodeID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM jobs
			WHERE queue = ? AND execution_id = ? AND node_id = ? AND dead_at = 0
			LIMIT 1
		)`, q.name, executionID, nodeID).Scan(&n)
	return n > 0, err
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = ? AND dead_at = 0`, q.name).Scan(&n)
	return n, err
}
