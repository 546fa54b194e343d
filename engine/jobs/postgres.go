package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// Schema creates the job table.
const Schema = `
CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id           TEXT        PRIMARY KEY,
	job_type     TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	priority     INT         NOT NULL DEFAULT 0,
	attempts     INT         NOT NULL DEFAULT 0,
	max_attempts INT         NOT NULL,
	status       TEXT        NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	last_error   TEXT        NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS enrichment_jobs_ready_idx
	ON enrichment_jobs (status, priority DESC, scheduled_at);
`

const jobColumns = `id, job_type, payload, priority, attempts, max_attempts, status, scheduled_at, last_error, created_at, updated_at`

const (
	insertSQL = `INSERT INTO enrichment_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	// The claim is a single statement: SKIP LOCKED keeps two workers from
	// taking the same row.
	claimSQL = `
UPDATE enrichment_jobs SET status = 'running', updated_at = $1
WHERE id = (
	SELECT id FROM enrichment_jobs
	WHERE status = 'pending' AND scheduled_at <= $1
	ORDER BY priority DESC, scheduled_at, created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

	completeSQL = `UPDATE enrichment_jobs SET status = 'completed', last_error = '', updated_at = $2
WHERE id = $1 AND status = 'running'`

	retrySQL = `UPDATE enrichment_jobs SET status = 'pending', attempts = $2, scheduled_at = $3, last_error = $4, updated_at = $5
WHERE id = $1 AND status = 'running'`

	failSQL = `UPDATE enrichment_jobs SET status = 'failed', attempts = $2, last_error = $3, updated_at = $4
WHERE id = $1 AND status = 'running'`

	getSQL = `SELECT ` + jobColumns + ` FROM enrichment_jobs WHERE id = $1`

	statusSQL = `SELECT status, count(*) FROM enrichment_jobs GROUP BY status`

	resetSQL = `UPDATE enrichment_jobs SET status = 'pending' WHERE status = 'running' AND updated_at < $1`
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGQueue stores jobs in Postgres so several worker processes can share
// one queue.
type PGQueue struct {
	db dbConn
}

// NewPGQueue creates a queue on pool.
func NewPGQueue(pool *pgxpool.Pool) *PGQueue {
	return &PGQueue{db: pool}
}

// Migrate creates the table if missing.
func (q *PGQueue) Migrate(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("jobs: migrate: %w", err)
	}
	return nil
}

func (q *PGQueue) Enqueue(ctx context.Context, j domain.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("jobs: encode payload: %w", err)
	}
	_, err = q.db.Exec(ctx, insertSQL, j.ID, string(j.Type), payload, j.Priority, j.Attempts,
		j.MaxAttempts, string(j.Status), j.ScheduledAt, j.LastError, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("jobs: insert %s: %w", j.ID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j       domain.Job
		typ     string
		status  string
		payload []byte
	)
	err := row.Scan(&j.ID, &typ, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&status, &j.ScheduledAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Type = domain.JobType(typ)
	j.Status = domain.JobStatus(status)
	j.Payload, err = domain.DecodePayload(j.Type, payload)
	if err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (q *PGQueue) ClaimNext(ctx context.Context, now time.Time) (domain.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, claimSQL, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("jobs: claim: %w", err)
	}
	return j, nil
}

func (q *PGQueue) update(ctx context.Context, id, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("jobs: update %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobs: %s: %w", id, ErrNotRunning)
	}
	return nil
}

func (q *PGQueue) Complete(ctx context.Context, id string, now time.Time) error {
	return q.update(ctx, id, completeSQL, now)
}

func (q *PGQueue) Retry(ctx context.Context, id string, attempts int, at time.Time, lastErr string, now time.Time) error {
	return q.update(ctx, id, retrySQL, attempts, at, lastErr, now)
}

func (q *PGQueue) Fail(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error {
	return q.update(ctx, id, failSQL, attempts, lastErr, now)
}

func (q *PGQueue) Get(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, getSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("jobs: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return j, nil
}

func (q *PGQueue) Status(ctx context.Context) (domain.QueueStatus, error) {
	rows, err := q.db.Query(ctx, statusSQL)
	if err != nil {
		return nil, fmt.Errorf("jobs: status: %w", err)
	}
	defer rows.Close()
	st := emptyStatus()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("jobs: status: %w", err)
		}
		st[domain.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: status: %w", err)
	}
	return st, nil
}

func (q *PGQueue) ResetRunning(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := q.db.Exec(ctx, resetSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("jobs: reset running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
