package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend persists jobs. Implementations must make Claim safe for
// concurrent workers across processes.
type Backend interface {
	// Add stores job, or returns the pending job holding the same dedupe
	// key with deduplicated=true.
	Add(ctx context.Context, job Job) (stored *Job, deduplicated bool, err error)
	// Claim moves the next runnable job of queue to active, increments its
	// attempts and leases it until lockedUntil. Active jobs whose lease ran
	// out are runnable again. It returns nil when nothing is runnable.
	Claim(ctx context.Context, queue string, now, lockedUntil time.Time) (*Job, error)
	// Complete and Fail only apply to the attempt that holds the lease;
	// a reclaimed job answers ErrInvalidState to the earlier worker.
	Complete(ctx context.Context, id string, attempt int, result json.RawMessage, at time.Time) error
	// Fail records a failed attempt. A nil retryAt fails the job for good.
	Fail(ctx context.Context, id string, attempt int, message string, retryAt *time.Time, at time.Time) error
	Get(ctx context.Context, id string) (*Job, error)
	Counts(ctx context.Context, queue string) (Counts, error)
	SetPaused(ctx context.Context, queue string, paused bool) error
	Paused(ctx context.Context, queue string) (bool, error)
	// Retry moves a failed job back to waiting with a fresh attempt budget.
	Retry(ctx context.Context, id string, now time.Time) error
	// Remove deletes a waiting or delayed job.
	Remove(ctx context.Context, id string) error
	Clean(ctx context.Context, queue string, state State, before time.Time) (int64, error)
	Close() error
}

// BuildBackend selects a backend from a DSN scheme: postgres:// or
// postgresql:// open a pool, memory:// keeps jobs in process.
func BuildBackend(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("queue dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse queue dsn: %w", err)
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect queue database: %w", err)
		}
		return &PostgresBackend{db: pool, closer: pool.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %q", scheme)
	}
}
