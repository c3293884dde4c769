package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jw6ventures/calsync/internal/metrics"
)

// DBTX is the subset of pgxpool.Pool used by repositories.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool pinger

	Events      EventRepository
	Conflicts   ConflictRepository
	Channels    ChannelRepository
	SyncErrors  SyncErrorRepository
	Connections ConnectionRepository
	Credentials CredentialRepository
}

// New wires concrete repository implementations with shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		Events:      &eventRepo{db: pool},
		Conflicts:   &conflictRepo{db: pool},
		Channels:    &channelRepo{db: pool},
		SyncErrors:  &syncErrorRepo{db: pool},
		Connections: &connectionRepo{db: pool},
		Credentials: &credentialRepo{db: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// observeDB starts a latency measurement; call the result when the query ends.
func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() { metrics.ObserveDBLatency(ctx, operation, start) }
}
