package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// connectionRepo implements ConnectionRepository.
type connectionRepo struct {
	db DBTX
}

const connectionColumns = `owner_id, provider, calendar_id, active, sync_enabled, initial_sync_at, created_at, updated_at`

func scanConnection(row pgx.Row) (*Connection, error) {
	var c Connection
	if err := row.Scan(&c.OwnerID, &c.Provider, &c.CalendarID, &c.Active, &c.SyncEnabled,
		&c.InitialSyncAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *connectionRepo) Get(ctx context.Context, ownerID int64) (*Connection, error) {
	defer observeDB(ctx, "connections.get")()
	return scanConnection(r.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM calendar_connections WHERE owner_id=$1`, ownerID))
}

func (r *connectionRepo) Upsert(ctx context.Context, c Connection) (*Connection, error) {
	defer observeDB(ctx, "connections.upsert")()
	if c.Provider == "" {
		c.Provider = ProviderGoogle
	}
	if c.CalendarID == "" {
		c.CalendarID = "primary"
	}
	q := `INSERT INTO calendar_connections (owner_id, provider, calendar_id, active, sync_enabled)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner_id) DO UPDATE SET provider=EXCLUDED.provider, calendar_id=EXCLUDED.calendar_id,
active=EXCLUDED.active, sync_enabled=EXCLUDED.sync_enabled, updated_at=NOW()
RETURNING ` + connectionColumns
	return scanConnection(r.db.QueryRow(ctx, q, c.OwnerID, c.Provider, c.CalendarID, c.Active, c.SyncEnabled))
}

func (r *connectionRepo) SetSyncEnabled(ctx context.Context, ownerID int64, enabled bool) error {
	defer observeDB(ctx, "connections.set_sync_enabled")()
	tag, err := r.db.Exec(ctx, `UPDATE calendar_connections SET sync_enabled=$2, updated_at=NOW() WHERE owner_id=$1`, ownerID, enabled)
	if err != nil {
		return fmt.Errorf("set sync enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) Deactivate(ctx context.Context, ownerID int64, at time.Time) error {
	defer observeDB(ctx, "connections.deactivate")()
	tag, err := r.db.Exec(ctx, `UPDATE calendar_connections SET active=FALSE, updated_at=$2 WHERE owner_id=$1`, ownerID, at)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) MarkInitialSync(ctx context.Context, ownerID int64, at time.Time) error {
	defer observeDB(ctx, "connections.mark_initial_sync")()
	_, err := r.db.Exec(ctx, `UPDATE calendar_connections SET initial_sync_at=$2, updated_at=$2 WHERE owner_id=$1`, ownerID, at)
	if err != nil {
		return fmt.Errorf("mark initial sync: %w", err)
	}
	return nil
}

func (r *connectionRepo) ListSyncable(ctx context.Context) ([]Connection, error) {
	defer observeDB(ctx, "connections.list_syncable")()
	rows, err := r.db.Query(ctx, `SELECT `+connectionColumns+` FROM calendar_connections
WHERE active AND sync_enabled ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	db DBTX
}

func (r *credentialRepo) Get(ctx context.Context, ownerID int64, provider string) (*Credential, error) {
	defer observeDB(ctx, "credentials.get")()
	var c Credential
	err := r.db.QueryRow(ctx, `SELECT owner_id, provider, access_token, refresh_token, token_type, expiry, updated_at
FROM calendar_credentials WHERE owner_id=$1 AND provider=$2`, ownerID, provider).Scan(
		&c.OwnerID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.TokenType, &c.Expiry, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *credentialRepo) Save(ctx context.Context, c Credential) error {
	defer observeDB(ctx, "credentials.save")()
	_, err := r.db.Exec(ctx, `INSERT INTO calendar_credentials (owner_id, provider, access_token, refresh_token, token_type, expiry)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (owner_id, provider) DO UPDATE SET access_token=EXCLUDED.access_token,
refresh_token=COALESCE(EXCLUDED.refresh_token, calendar_credentials.refresh_token),
token_type=EXCLUDED.token_type, expiry=EXCLUDED.expiry, updated_at=NOW()`,
		c.OwnerID, c.Provider, c.AccessToken, c.RefreshToken, c.TokenType, c.Expiry)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (r *credentialRepo) Delete(ctx context.Context, ownerID int64, provider string) error {
	defer observeDB(ctx, "credentials.delete")()
	_, err := r.db.Exec(ctx, `DELETE FROM calendar_credentials WHERE owner_id=$1 AND provider=$2`, ownerID, provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
