package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/migrations"
)

// migrationLockKey serialises concurrent replicas applying migrations at boot.
// The lock is transaction scoped, so it is released on the connection that
// took it whichever pooled connection that was.
const migrationLockKey int64 = 0x63616c73796e63

// PgxPool represents the subset of pgxpool.Pool used by migration helpers.
type PgxPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// MigrationState reports whether an embedded migration has been applied.
type MigrationState struct {
	Name    string
	Applied bool
}

// ApplyMigrations applies every embedded migration not yet recorded in
// schema_migrations, each in its own transaction holding the migration lock,
// and returns the names it applied.
func ApplyMigrations(ctx context.Context, pool PgxPool, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	names, err := migrations.Names()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range names {
		done, err := migrationApplied(ctx, pool, name)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		ran, err := applyMigration(ctx, pool, name)
		if err != nil {
			return applied, err
		}
		if !ran {
			logger.Info("migration applied by another instance", "version", name)
			continue
		}
		logger.Info("applied migration", "version", name)
		applied = append(applied, name)
	}
	return applied, nil
}

// MigrationStatus lists embedded migrations alongside their applied state.
func MigrationStatus(ctx context.Context, pool PgxPool) ([]MigrationState, error) {
	names, err := migrations.Names()
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return nil, err
	}
	out := make([]MigrationState, 0, len(names))
	for _, name := range names {
		done, err := migrationApplied(ctx, pool, name)
		if err != nil {
			return nil, err
		}
		out = append(out, MigrationState{Name: name, Applied: done})
	}
	return out, nil
}

func lockMigrations(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	return nil
}

func ensureMigrationTable(ctx context.Context, pool PgxPool) error {
	const q = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin schema_migrations: %w", err)
	}
	if err := lockMigrations(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if _, err := tx.Exec(ctx, q); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema_migrations: %w", err)
	}
	return nil
}

const appliedQuerySQL = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`

func migrationApplied(ctx context.Context, pool PgxPool, name string) (bool, error) {
	var exists bool
	if err := pool.QueryRow(ctx, appliedQuerySQL, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}

// applyMigration runs one file under the lock. It reports false when another
// instance recorded the migration while this one waited for the lock.
func applyMigration(ctx context.Context, pool PgxPool, name string) (bool, error) {
	contents, err := migrations.Files.ReadFile(name)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", name, err)
	}
	if err := lockMigrations(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, appliedQuerySQL, name).Scan(&exists); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	if exists {
		return false, tx.Rollback(ctx)
	}
	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	const record = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
	if _, err := tx.Exec(ctx, record, name); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}
