package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrMissingRemoteID is returned when an upsert keyed by remote id has none.
var ErrMissingRemoteID = errors.New("event remote id is required for upsert")

const eventColumns = `id, owner_id, provider, title, description, location, start_at, end_at, all_day,
recurrence, remote_id, remote_etag, last_synced_at, created_at, updated_at`

// eventWriteColumns is the column order used by inserts and upserts.
var eventWriteColumns = []string{
	"owner_id", "provider", "title", "description", "location", "start_at", "end_at",
	"all_day", "recurrence", "remote_id", "remote_etag", "last_synced_at",
}

const eventUpsertConflict = `ON CONFLICT (owner_id, provider, remote_id) WHERE remote_id IS NOT NULL DO UPDATE SET
title = EXCLUDED.title,
description = EXCLUDED.description,
location = EXCLUDED.location,
start_at = EXCLUDED.start_at,
end_at = EXCLUDED.end_at,
all_day = EXCLUDED.all_day,
recurrence = EXCLUDED.recurrence,
remote_etag = EXCLUDED.remote_etag,
last_synced_at = EXCLUDED.last_synced_at,
updated_at = NOW()`

// eventRepo implements EventRepository.
type eventRepo struct {
	db DBTX
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	if err := row.Scan(&e.ID, &e.OwnerID, &e.Provider, &e.Title, &e.Description, &e.Location,
		&e.StartAt, &e.EndAt, &e.AllDay, &e.Recurrence, &e.RemoteID, &e.RemoteETag,
		&e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func eventArgs(e Event) []any {
	provider := e.Provider
	if provider == "" {
		provider = ProviderGoogle
	}
	return []any{e.OwnerID, provider, e.Title, e.Description, e.Location, e.StartAt, e.EndAt,
		e.AllDay, e.Recurrence, e.RemoteID, e.RemoteETag, e.LastSyncedAt}
}

// buildBulkUpsert renders a single multi-row upsert for the given events.
func buildBulkUpsert(events []Event) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO events (")
	sb.WriteString(strings.Join(eventWriteColumns, ", "))
	sb.WriteString(") VALUES ")

	width := len(eventWriteColumns)
	args := make([]any, 0, len(events)*width)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*width+j+1)
		}
		sb.WriteString(")")
		args = append(args, eventArgs(e)...)
	}
	sb.WriteString(" ")
	sb.WriteString(eventUpsertConflict)
	sb.WriteString(" RETURNING (xmax = 0) AS inserted")
	return sb.String(), args
}

func (r *eventRepo) Insert(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "events.insert")()
	if err := event.Validate(); err != nil {
		return nil, err
	}
	q := `INSERT INTO events (` + strings.Join(eventWriteColumns, ", ") + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + eventColumns
	return scanEvent(r.db.QueryRow(ctx, q, eventArgs(event)...))
}

func (r *eventRepo) BulkUpsert(ctx context.Context, events []Event) (UpsertStats, error) {
	defer observeDB(ctx, "events.bulk_upsert")()
	var stats UpsertStats
	if len(events) == 0 {
		return stats, nil
	}
	for _, e := range events {
		if !e.HasRemote() {
			return stats, ErrMissingRemoteID
		}
		if err := e.Validate(); err != nil {
			return stats, err
		}
	}

	q, args := buildBulkUpsert(events)
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return stats, fmt.Errorf("bulk upsert events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return UpsertStats{}, fmt.Errorf("scan bulk upsert: %w", err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		return UpsertStats{}, fmt.Errorf("bulk upsert events: %w", err)
	}
	return stats, nil
}

func (r *eventRepo) Upsert(ctx context.Context, event Event) (*Event, bool, error) {
	defer observeDB(ctx, "events.upsert")()
	if !event.HasRemote() {
		return nil, false, ErrMissingRemoteID
	}
	if err := event.Validate(); err != nil {
		return nil, false, err
	}
	q := `INSERT INTO events (` + strings.Join(eventWriteColumns, ", ") + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
` + eventUpsertConflict + `
RETURNING ` + eventColumns + `, (xmax = 0) AS inserted`

	var e Event
	var inserted bool
	err := r.db.QueryRow(ctx, q, eventArgs(event)...).Scan(&e.ID, &e.OwnerID, &e.Provider, &e.Title,
		&e.Description, &e.Location, &e.StartAt, &e.EndAt, &e.AllDay, &e.Recurrence, &e.RemoteID,
		&e.RemoteETag, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert event: %w", err)
	}
	return &e, inserted, nil
}

func (r *eventRepo) Update(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "events.update")()
	if err := event.Validate(); err != nil {
		return nil, err
	}
	const q = `UPDATE events SET title=$3, description=$4, location=$5, start_at=$6, end_at=$7,
all_day=$8, recurrence=$9, remote_id=$10, remote_etag=$11, last_synced_at=$12, updated_at=NOW()
WHERE owner_id=$1 AND id=$2
RETURNING ` + eventColumns
	return scanEvent(r.db.QueryRow(ctx, q, event.OwnerID, event.ID, event.Title, event.Description,
		event.Location, event.StartAt, event.EndAt, event.AllDay, event.Recurrence, event.RemoteID,
		event.RemoteETag, event.LastSyncedAt))
}

func (r *eventRepo) Delete(ctx context.Context, ownerID, id int64) error {
	defer observeDB(ctx, "events.delete")()
	tag, err := r.db.Exec(ctx, `DELETE FROM events WHERE owner_id=$1 AND id=$2`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepo) DeleteByRemoteID(ctx context.Context, ownerID int64, provider, remoteID string) error {
	defer observeDB(ctx, "events.delete_by_remote_id")()
	_, err := r.db.Exec(ctx, `DELETE FROM events WHERE owner_id=$1 AND provider=$2 AND remote_id=$3`, ownerID, provider, remoteID)
	if err != nil {
		return fmt.Errorf("delete event by remote id: %w", err)
	}
	return nil
}

func (r *eventRepo) GetByID(ctx context.Context, ownerID, id int64) (*Event, error) {
	defer observeDB(ctx, "events.get")()
	q := `SELECT ` + eventColumns + ` FROM events WHERE owner_id=$1 AND id=$2`
	return scanEvent(r.db.QueryRow(ctx, q, ownerID, id))
}

func (r *eventRepo) FindByRemoteID(ctx context.Context, ownerID int64, provider, remoteID string) (*Event, error) {
	defer observeDB(ctx, "events.find_by_remote_id")()
	q := `SELECT ` + eventColumns + ` FROM events WHERE owner_id=$1 AND provider=$2 AND remote_id=$3`
	return scanEvent(r.db.QueryRow(ctx, q, ownerID, provider, remoteID))
}

func (r *eventRepo) ListByOwner(ctx context.Context, ownerID int64) ([]Event, error) {
	defer observeDB(ctx, "events.list_by_owner")()
	q := `SELECT ` + eventColumns + ` FROM events WHERE owner_id=$1 ORDER BY start_at, id`
	rows, err := r.db.Query(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (r *eventRepo) SetRemoteLink(ctx context.Context, ownerID, id int64, remoteID, etag string, syncedAt time.Time) error {
	defer observeDB(ctx, "events.set_remote_link")()
	tag, err := r.db.Exec(ctx, `UPDATE events SET remote_id=$3, remote_etag=NULLIF($4, ''), last_synced_at=$5, updated_at=NOW()
WHERE owner_id=$1 AND id=$2`, ownerID, id, remoteID, etag, syncedAt)
	if err != nil {
		return fmt.Errorf("link event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepo) ClearRemoteLinks(ctx context.Context, ownerID int64, provider string) (int64, error) {
	defer observeDB(ctx, "events.clear_remote_links")()
	tag, err := r.db.Exec(ctx, `UPDATE events SET remote_id=NULL, remote_etag=NULL, last_synced_at=NULL, updated_at=NOW()
WHERE owner_id=$1 AND provider=$2 AND remote_id IS NOT NULL`, ownerID, provider)
	if err != nil {
		return 0, fmt.Errorf("clear remote links: %w", err)
	}
	return tag.RowsAffected(), nil
}
