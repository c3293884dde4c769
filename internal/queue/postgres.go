package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jw6ventures/calsync/internal/metrics"
)

// DB is the subset of pgxpool.Pool used by the Postgres backend.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend stores jobs in the jobs table. Workers in any number of
// processes claim with FOR UPDATE SKIP LOCKED; a partial unique index on
// (queue, dedupe_key) enforces deduplication of pending jobs.
type PostgresBackend struct {
	db     DB
	closer func()
}

// NewPostgresBackend uses an existing pool. Close leaves the pool open.
func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func observe(ctx context.Context, op string) func() {
	start := time.Now()
	return func() { metrics.ObserveDBLatency(ctx, "jobs."+op, start) }
}

const jobColumns = `id::text, queue, name, payload, priority, state, attempts, max_attempts, backoff_type,
backoff_delay_ms, COALESCE(dedupe_key, ''), run_at, locked_until, last_error, result, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload, result []byte
	var delayMS int64
	if err := row.Scan(&j.ID, &j.Queue, &j.Name, &payload, &j.Priority, &j.State, &j.Attempts, &j.MaxAttempts,
		&j.Backoff.Type, &delayMS, &j.DedupeKey, &j.RunAt, &j.LockedUntil, &j.LastError, &result, &j.CreatedAt, &j.UpdatedAt,
		&j.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Result = json.RawMessage(result)
	j.Backoff.Delay = time.Duration(delayMS) * time.Millisecond
	return &j, nil
}

func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, ErrNotFound
	}
	return u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (b *PostgresBackend) Add(ctx context.Context, job Job) (*Job, bool, error) {
	defer observe(ctx, "add")()
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return nil, false, fmt.Errorf("job id: %w", err)
	}
	q := `INSERT INTO jobs (id, queue, name, payload, priority, state, max_attempts, backoff_type, backoff_delay_ms,
dedupe_key, run_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
ON CONFLICT (queue, dedupe_key) WHERE dedupe_key IS NOT NULL AND state IN ('waiting', 'delayed', 'active') DO NOTHING
RETURNING ` + jobColumns
	stored, err := scanJob(b.db.QueryRow(ctx, q, id, job.Queue, job.Name, []byte(job.Payload), job.Priority,
		string(job.State), job.MaxAttempts, string(job.Backoff.Type), job.Backoff.Delay.Milliseconds(),
		nullable(job.DedupeKey), job.RunAt, job.CreatedAt))
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, ErrNotFound) || job.DedupeKey == "" {
		return nil, false, err
	}
	existing, err := scanJob(b.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE queue=$1 AND dedupe_key=$2 AND state IN ('waiting', 'delayed', 'active')`, job.Queue, job.DedupeKey))
	if err != nil {
		return nil, false, fmt.Errorf("load deduplicated job: %w", err)
	}
	return existing, true, nil
}

// claimSQL takes runnable jobs and active jobs whose lease expired, which
// is how work held by a crashed process comes back.
const claimSQL = `UPDATE jobs SET state='active', attempts=attempts+1, locked_until=$3, updated_at=$2
WHERE id = (
	SELECT j.id FROM jobs j
	WHERE j.queue=$1
	  AND ((j.state IN ('waiting', 'delayed') AND j.run_at <= $2)
	    OR (j.state = 'active' AND j.locked_until <= $2))
	  AND NOT EXISTS (SELECT 1 FROM job_queues p WHERE p.queue=j.queue AND p.paused)
	ORDER BY j.priority, j.run_at, j.created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

func (b *PostgresBackend) Claim(ctx context.Context, queue string, now, lockedUntil time.Time) (*Job, error) {
	defer observe(ctx, "claim")()
	job, err := scanJob(b.db.QueryRow(ctx, claimSQL, queue, now, lockedUntil))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// transition reports ErrNotFound or ErrInvalidState when an update matched
// no row.
func (b *PostgresBackend) transition(ctx context.Context, id uuid.UUID, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := b.Get(ctx, id.String()); err != nil {
		return err
	}
	return ErrInvalidState
}

func (b *PostgresBackend) Complete(ctx context.Context, id string, attempt int, result json.RawMessage, at time.Time) error {
	defer observe(ctx, "complete")()
	u, err := parseID(id)
	if err != nil {
		return err
	}
	var raw []byte
	if len(result) > 0 {
		raw = result
	}
	tag, err := b.db.Exec(ctx, `UPDATE jobs SET state='completed', result=$3, last_error='', locked_until=NULL,
finished_at=$4, updated_at=$4
WHERE id=$1 AND state='active' AND attempts=$2`, u, attempt, raw, at)
	if err != nil {
		return err
	}
	return b.transition(ctx, u, tag)
}

func (b *PostgresBackend) Fail(ctx context.Context, id string, attempt int, message string, retryAt *time.Time, at time.Time) error {
	defer observe(ctx, "fail")()
	u, err := parseID(id)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if retryAt != nil {
		tag, err = b.db.Exec(ctx, `UPDATE jobs SET state='delayed', run_at=$4, last_error=$3, locked_until=NULL, updated_at=$5
WHERE id=$1 AND state='active' AND attempts=$2`, u, attempt, message, *retryAt, at)
	} else {
		tag, err = b.db.Exec(ctx, `UPDATE jobs SET state='failed', last_error=$3, locked_until=NULL, finished_at=$4, updated_at=$4
WHERE id=$1 AND state='active' AND attempts=$2`, u, attempt, message, at)
	}
	if err != nil {
		return err
	}
	return b.transition(ctx, u, tag)
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (*Job, error) {
	defer observe(ctx, "get")()
	u, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return scanJob(b.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, u))
}

func (b *PostgresBackend) Counts(ctx context.Context, queue string) (Counts, error) {
	defer observe(ctx, "counts")()
	paused, err := b.Paused(ctx, queue)
	if err != nil {
		return Counts{}, err
	}
	rows, err := b.db.Query(ctx, `SELECT state, COUNT(*) FROM jobs WHERE queue=$1 GROUP BY state`, queue)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, err
		}
		c.add(state, n, paused)
	}
	return c, rows.Err()
}

func (b *PostgresBackend) SetPaused(ctx context.Context, queue string, paused bool) error {
	defer observe(ctx, "set_paused")()
	_, err := b.db.Exec(ctx, `INSERT INTO job_queues (queue, paused, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (queue) DO UPDATE SET paused=EXCLUDED.paused, updated_at=NOW()`, queue, paused)
	return err
}

func (b *PostgresBackend) Paused(ctx context.Context, queue string) (bool, error) {
	var paused bool
	err := b.db.QueryRow(ctx, `SELECT paused FROM job_queues WHERE queue=$1`, queue).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return paused, err
}

func (b *PostgresBackend) Retry(ctx context.Context, id string, now time.Time) error {
	defer observe(ctx, "retry")()
	u, err := parseID(id)
	if err != nil {
		return err
	}
	tag, err := b.db.Exec(ctx, `UPDATE jobs SET state='waiting', attempts=0, run_at=$2, finished_at=NULL, updated_at=$2
WHERE id=$1 AND state='failed'`, u, now)
	if err != nil {
		return err
	}
	return b.transition(ctx, u, tag)
}

func (b *PostgresBackend) Remove(ctx context.Context, id string) error {
	defer observe(ctx, "remove")()
	u, err := parseID(id)
	if err != nil {
		return err
	}
	tag, err := b.db.Exec(ctx, `DELETE FROM jobs WHERE id=$1 AND state IN ('waiting', 'delayed')`, u)
	if err != nil {
		return err
	}
	return b.transition(ctx, u, tag)
}

func (b *PostgresBackend) Clean(ctx context.Context, queue string, state State, before time.Time) (int64, error) {
	defer observe(ctx, "clean")()
	tag, err := b.db.Exec(ctx, `DELETE FROM jobs WHERE queue=$1 AND state=$2 AND COALESCE(finished_at, updated_at) < $3`,
		queue, string(state), before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) Close() error {
	if b.closer != nil {
		b.closer()
	}
	return nil
}

var _ Backend = (*PostgresBackend)(nil)
