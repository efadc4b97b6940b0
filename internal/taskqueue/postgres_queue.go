package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS jobs (
//	    id               TEXT PRIMARY KEY,
//	    queue            TEXT NOT NULL,
//	    execution_id     TEXT NOT NULL,
//	    node_id          TEXT NOT NULL,
//	    attempts         INT  NOT NULL DEFAULT 0,
//	    not_before       TIMESTAMPTZ NOT NULL,
//	    enqueued_at      TIMESTAMPTZ NOT NULL,
//	    lease_owner      TEXT NOT NULL DEFAULT '',
//	    lease_expires_at TIMESTAMPTZ,
//	    last_error       TEXT NOT NULL DEFAULT '',
//	    dead_at          TIMESTAMPTZ
//	);
//
// Claims take a single row with SELECT ... FOR UPDATE SKIP LOCKED inside one
// UPDATE statement, so concurrent workers never block on each other.
type PostgresQueue struct {
	pool *pgxpool.Pool
	name string
	opts Options
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool, name string, opts Options) (*PostgresQueue, error) {
	q := &PostgresQueue{pool: pool, name: name, opts: opts.withDefaults(100 * time.Millisecond)}
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			queue            TEXT NOT NULL,
			execution_id     TEXT NOT NULL,
			node_id          TEXT NOT NULL,
			attempts         INT  NOT NULL DEFAULT 0,
			not_before       TIMESTAMPTZ NOT NULL,
			enqueued_at      TIMESTAMPTZ NOT NULL,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			last_error       TEXT NOT NULL DEFAULT '',
			dead_at          TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS jobs_ready_idx ON jobs (queue, not_before) WHERE dead_at IS NULL`)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS jobs_execution_idx ON jobs (execution_id, node_id) WHERE dead_at IS NULL`)
	return err
}

const pgJobColumns = `id, queue, execution_id, node_id, attempts, not_before, enqueued_at,
	lease_owner, lease_expires_at, last_error, dead_at`

func scanPostgresJob(row pgx.Row) (*Job, error) {
	var (
		j            Job
		leaseExpires *time.Time
		deadAt       *time.Time
	)
	if err := row.Scan(&j.ID, &j.Queue, &j.ExecutionID, &j.NodeID, &j.Attempts, &j.NotBefore, &j.EnqueuedAt,
		&j.LeaseOwner, &leaseExpires, &j.LastError, &deadAt); err != nil {
		return nil, err
	}
	if leaseExpires != nil {
		j.LeaseExpiresAt = *leaseExpires
	}
	if deadAt != nil {
		j.DeadAt = *deadAt
	}
	return &j, nil
}

func (q *PostgresQueue) Name() string { return q.name }

// Enqueue inserts a job into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		j.ID = newJobID()
	}
	now := q.opts.Now().UTC()
	notBefore := j.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, execution_id, node_id, attempts, not_before, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, j.ID, q.name, j.ExecutionID, j.NodeID, j.Attempts, notBefore.UTC(), now)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

// Claim polls until a job is available or ctx is cancelled.
func (q *PostgresQueue) Claim(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	if visibility <= 0 {
		return nil, errors.New("visibility must be > 0")
	}
	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.Now().UTC()
		job, err := scanPostgresJob(q.pool.QueryRow(ctx, `
			UPDATE jobs
			SET attempts = attempts + 1, lease_owner = $2, lease_expires_at = $3
			WHERE id = (
				SELECT id FROM jobs
				WHERE queue = $1 AND dead_at IS NULL AND not_before <= $4
				  AND (lease_owner = '' OR lease_expires_at <= $4)
				ORDER BY not_before, enqueued_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+pgJobColumns,
			q.name, owner, now.Add(visibility), now))
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if err := waitPoll(ctx, tmr, q.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) loadLeased(ctx context.Context, tx pgx.Tx, jobID, owner string) (*Job, error) {
	job, err := scanPostgresJob(tx.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 AND queue = $2 AND dead_at IS NULL FOR UPDATE`,
		jobID, q.name))
	if errors.Is(err, pgx.ErrNoRows) {
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

func (q *PostgresQueue) Ack(ctx context.Context, jobID, owner string) error {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE id = $1 AND queue = $2 AND dead_at IS NULL AND lease_owner = $3 AND lease_expires_at > $4
	`, jobID, q.name, owner, q.opts.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID, owner string, f Failure) (FailResult, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FailResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := q.loadLeased(ctx, tx, jobID, owner)
	if err != nil {
		return FailResult{}, err
	}

	now := q.opts.Now().UTC()
	res := q.opts.Policy.decide(job.Attempts, f, now)
	if res.DeadLettered {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET lease_owner = '', lease_expires_at = NULL, last_error = $2, dead_at = $3
			WHERE id = $1`, jobID, f.message(), now)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET lease_owner = '', lease_expires_at = NULL, last_error = $2, not_before = $3
			WHERE id = $1`, jobID, f.message(), res.NextAttemptAt.UTC())
	}
	if err != nil {
		return FailResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FailResult{}, err
	}
	return res, nil
}

func (q *PostgresQueue) RenewLease(ctx context.Context, jobID, owner string, visibility time.Duration) error {
	now := q.opts.Now().UTC()
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $4
		WHERE id = $1 AND queue = $2 AND dead_at IS NULL AND lease_owner = $3 AND lease_expires_at > $5
	`, jobID, q.name, owner, now.Add(visibility), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE queue = $1 AND dead_at IS NOT NULL
		ORDER BY dead_at
		LIMIT $2`, q.name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Redrive(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanPostgresJob(q.pool.QueryRow(ctx, `
		UPDATE jobs SET dead_at = NULL, attempts = 0, not_before = $3
		WHERE id = $1 AND queue = $2 AND dead_at IS NOT NULL
		RETURNING `+pgJobColumns, jobID, q.name, q.opts.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("redrive %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (q *PostgresQueue) HasJob(ctx context.Context, executionID, nodeID string) (bool, error) {
	var exists bool
	err := q.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE queue = $1 AND execution_id = $2 AND node_id = $3 AND dead_at IS NULL
		)`, q.name, executionID, nodeID).Scan(&exists)
	return exists, err
}

// Len returns the number of live jobs.
func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = $1 AND dead_at IS NULL`, q.name).Scan(&n)
	return n, err
}
