package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return []byte(raw)
}

// conflictRepo implements ConflictRepository.
type conflictRepo struct {
	db DBTX
}

const conflictColumns = `id, owner_id, local_event_id, remote_event_id, local_snapshot, remote_snapshot,
reason, strategy, resolution, resolved, resolved_at, created_at`

func scanConflict(row pgx.Row) (*SyncConflict, error) {
	var c SyncConflict
	var local, remote []byte
	if err := row.Scan(&c.ID, &c.OwnerID, &c.LocalEventID, &c.RemoteEventID, &local, &remote,
		&c.Reason, &c.Strategy, &c.Resolution, &c.Resolved, &c.ResolvedAt, &c.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	c.LocalSnapshot = json.RawMessage(local)
	c.RemoteSnapshot = json.RawMessage(remote)
	return &c, nil
}

func (r *conflictRepo) Create(ctx context.Context, c SyncConflict) (*SyncConflict, error) {
	defer observeDB(ctx, "conflicts.create")()
	q := `INSERT INTO sync_conflicts (owner_id, local_event_id, remote_event_id, local_snapshot, remote_snapshot,
reason, strategy, resolution, resolved, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + conflictColumns
	return scanConflict(r.db.QueryRow(ctx, q, c.OwnerID, c.LocalEventID, c.RemoteEventID,
		jsonOrEmpty(c.LocalSnapshot), jsonOrEmpty(c.RemoteSnapshot), string(c.Reason), c.Strategy, c.Resolution,
		c.Resolved, c.ResolvedAt))
}

func (r *conflictRepo) Get(ctx context.Context, ownerID, id int64) (*SyncConflict, error) {
	defer observeDB(ctx, "conflicts.get")()
	q := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE owner_id=$1 AND id=$2`
	return scanConflict(r.db.QueryRow(ctx, q, ownerID, id))
}

func (r *conflictRepo) ListByOwner(ctx context.Context, ownerID int64, unresolvedOnly bool) ([]SyncConflict, error) {
	defer observeDB(ctx, "conflicts.list")()
	q := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE owner_id=$1 AND (NOT $2 OR resolved = FALSE)
ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, q, ownerID, unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *conflictRepo) Resolve(ctx context.Context, ownerID, id int64, resolution string, at time.Time) (*SyncConflict, error) {
	defer observeDB(ctx, "conflicts.resolve")()
	q := `UPDATE sync_conflicts SET resolved=TRUE, resolution=$3, resolved_at=$4
WHERE owner_id=$1 AND id=$2
RETURNING ` + conflictColumns
	return scanConflict(r.db.QueryRow(ctx, q, ownerID, id, resolution, at))
}

// channelRepo implements ChannelRepository.
type channelRepo struct {
	db DBTX
}

const channelColumns = `id, owner_id, calendar_id, channel_id, resource_id, token, expires_at, active,
renewed_at, deactivated_at, last_error, created_at`

func scanChannel(row pgx.Row) (*WebhookChannel, error) {
	var c WebhookChannel
	if err := row.Scan(&c.ID, &c.OwnerID, &c.CalendarID, &c.ChannelID, &c.ResourceID, &c.Token,
		&c.ExpiresAt, &c.Active, &c.RenewedAt, &c.DeactivatedAt, &c.LastError, &c.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *channelRepo) queryChannels(ctx context.Context, q string, args ...any) ([]WebhookChannel, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []WebhookChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *channelRepo) Create(ctx context.Context, c WebhookChannel) (*WebhookChannel, error) {
	defer observeDB(ctx, "channels.create")()
	q := `INSERT INTO webhook_channels (owner_id, calendar_id, channel_id, resource_id, token, expires_at, active)
VALUES ($1, $2, $3, $4, $5, $6, TRUE)
RETURNING ` + channelColumns
	return scanChannel(r.db.QueryRow(ctx, q, c.OwnerID, c.CalendarID, c.ChannelID, c.ResourceID, c.Token, c.ExpiresAt))
}

func (r *channelRepo) Get(ctx context.Context, id int64) (*WebhookChannel, error) {
	defer observeDB(ctx, "channels.get")()
	return scanChannel(r.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM webhook_channels WHERE id=$1`, id))
}

func (r *channelRepo) GetByChannelID(ctx context.Context, channelID string) (*WebhookChannel, error) {
	defer observeDB(ctx, "channels.get_by_channel_id")()
	return scanChannel(r.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM webhook_channels WHERE channel_id=$1`, channelID))
}

func (r *channelRepo) ListExpiring(ctx context.Context, before time.Time) ([]WebhookChannel, error) {
	defer observeDB(ctx, "channels.list_expiring")()
	return r.queryChannels(ctx, `SELECT `+channelColumns+` FROM webhook_channels
WHERE active AND expires_at <= $1 ORDER BY expires_at, id`, before)
}

func (r *channelRepo) ListActive(ctx context.Context) ([]WebhookChannel, error) {
	defer observeDB(ctx, "channels.list_active")()
	return r.queryChannels(ctx, `SELECT `+channelColumns+` FROM webhook_channels WHERE active ORDER BY owner_id, id`)
}

func (r *channelRepo) ListByOwner(ctx context.Context, ownerID int64) ([]WebhookChannel, error) {
	defer observeDB(ctx, "channels.list_by_owner")()
	return r.queryChannels(ctx, `SELECT `+channelColumns+` FROM webhook_channels WHERE owner_id=$1 ORDER BY id`, ownerID)
}

func (r *channelRepo) Renew(ctx context.Context, id int64, channelID, resourceID, token string, expiresAt, renewedAt time.Time) error {
	defer observeDB(ctx, "channels.renew")()
	tag, err := r.db.Exec(ctx, `UPDATE webhook_channels SET channel_id=$2, resource_id=$3, token=$4, expires_at=$5,
renewed_at=$6, last_error='' WHERE id=$1 AND active`, id, channelID, resourceID, token, expiresAt, renewedAt)
	if err != nil {
		return fmt.Errorf("renew channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *channelRepo) Deactivate(ctx context.Context, id int64, reason string, at time.Time) error {
	defer observeDB(ctx, "channels.deactivate")()
	_, err := r.db.Exec(ctx, `UPDATE webhook_channels SET active=FALSE, deactivated_at=$2, last_error=$3
WHERE id=$1 AND active`, id, at, reason)
	if err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	return nil
}

func (r *channelRepo) RecordFailure(ctx context.Context, id int64, message string) error {
	defer observeDB(ctx, "channels.record_failure")()
	_, err := r.db.Exec(ctx, `UPDATE webhook_channels SET last_error=$2 WHERE id=$1`, id, message)
	if err != nil {
		return fmt.Errorf("record channel failure: %w", err)
	}
	return nil
}

func (r *channelRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observeDB(ctx, "channels.delete_expired")()
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_channels WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired channels: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *channelRepo) Stats(ctx context.Context, now time.Time, window time.Duration) (ChannelStats, error) {
	defer observeDB(ctx, "channels.stats")()
	var s ChannelStats
	err := r.db.QueryRow(ctx, `SELECT
COUNT(*),
COUNT(*) FILTER (WHERE active),
COUNT(*) FILTER (WHERE NOT active),
COUNT(*) FILTER (WHERE active AND expires_at > $1 AND expires_at <= $2),
COUNT(*) FILTER (WHERE expires_at <= $1)
FROM webhook_channels`, now, now.Add(window)).Scan(&s.Total, &s.Active, &s.Inactive, &s.ExpiringSoon, &s.Expired)
	if err != nil {
		return ChannelStats{}, fmt.Errorf("channel stats: %w", err)
	}
	return s, nil
}

// syncErrorRepo implements SyncErrorRepository.
type syncErrorRepo struct {
	db DBTX
}

const syncErrorColumns = `id, owner_id, error_type, message, retry_count, max_retries, next_retry_at,
metadata, resolved, resolved_at, created_at, updated_at`

func scanSyncError(row pgx.Row) (*SyncError, error) {
	var e SyncError
	var meta []byte
	if err := row.Scan(&e.ID, &e.OwnerID, &e.ErrorType, &e.Message, &e.RetryCount, &e.MaxRetries,
		&e.NextRetryAt, &meta, &e.Resolved, &e.ResolvedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	e.Metadata = json.RawMessage(meta)
	return &e, nil
}

func (r *syncErrorRepo) querySyncErrors(ctx context.Context, q string, args ...any) ([]SyncError, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync errors: %w", err)
	}
	defer rows.Close()

	var out []SyncError
	for rows.Next() {
		e, err := scanSyncError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *syncErrorRepo) Create(ctx context.Context, e SyncError) (*SyncError, error) {
	defer observeDB(ctx, "sync_errors.create")()
	meta := jsonOrEmpty(e.Metadata)
	q := `INSERT INTO sync_errors (owner_id, error_type, message, retry_count, max_retries, next_retry_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + syncErrorColumns
	return scanSyncError(r.db.QueryRow(ctx, q, e.OwnerID, string(e.ErrorType), e.Message, e.RetryCount,
		e.MaxRetries, e.NextRetryAt, meta))
}

func (r *syncErrorRepo) Get(ctx context.Context, id int64) (*SyncError, error) {
	defer observeDB(ctx, "sync_errors.get")()
	return scanSyncError(r.db.QueryRow(ctx, `SELECT `+syncErrorColumns+` FROM sync_errors WHERE id=$1`, id))
}

func (r *syncErrorRepo) ListByOwner(ctx context.Context, ownerID int64, includeResolved bool, limit int) ([]SyncError, error) {
	defer observeDB(ctx, "sync_errors.list_by_owner")()
	return r.querySyncErrors(ctx, `SELECT `+syncErrorColumns+` FROM sync_errors
WHERE owner_id=$1 AND ($2 OR resolved = FALSE) ORDER BY created_at DESC, id DESC LIMIT $3`, ownerID, includeResolved, limit)
}

func (r *syncErrorRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]SyncError, error) {
	defer observeDB(ctx, "sync_errors.list_due")()
	return r.querySyncErrors(ctx, `SELECT `+syncErrorColumns+` FROM sync_errors
WHERE resolved = FALSE AND retry_count < max_retries AND next_retry_at <= $1
ORDER BY next_retry_at, id LIMIT $2`, now, limit)
}

func (r *syncErrorRepo) MarkResolved(ctx context.Context, id int64, at time.Time) error {
	defer observeDB(ctx, "sync_errors.mark_resolved")()
	tag, err := r.db.Exec(ctx, `UPDATE sync_errors SET resolved=TRUE, resolved_at=$2, updated_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("resolve sync error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncErrorRepo) Reschedule(ctx context.Context, id int64, retryCount int, next time.Time, message string) error {
	defer observeDB(ctx, "sync_errors.reschedule")()
	tag, err := r.db.Exec(ctx, `UPDATE sync_errors SET retry_count=$2, next_retry_at=$3,
message=COALESCE(NULLIF($4, ''), message), updated_at=NOW() WHERE id=$1`, id, retryCount, next, message)
	if err != nil {
		return fmt.Errorf("reschedule sync error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncErrorRepo) DeleteArchivable(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observeDB(ctx, "sync_errors.archive")()
	tag, err := r.db.Exec(ctx, `DELETE FROM sync_errors
WHERE (resolved OR retry_count >= max_retries) AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive sync errors: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *syncErrorRepo) Stats(ctx context.Context) (SyncErrorStats, error) {
	defer observeDB(ctx, "sync_errors.stats")()
	stats := SyncErrorStats{ByType: make(map[ErrorType]int)}
	rows, err := r.db.Query(ctx, `SELECT error_type,
COUNT(*) FILTER (WHERE NOT resolved AND retry_count < max_retries),
COUNT(*) FILTER (WHERE resolved),
COUNT(*) FILTER (WHERE NOT resolved AND retry_count >= max_retries)
FROM sync_errors GROUP BY error_type`)
	if err != nil {
		return stats, fmt.Errorf("sync error stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t ErrorType
		var open, resolved, exhausted int
		if err := rows.Scan(&t, &open, &resolved, &exhausted); err != nil {
			return stats, fmt.Errorf("scan sync error stats: %w", err)
		}
		stats.Open += open
		stats.Resolved += resolved
		stats.Exhausted += exhausted
		stats.ByType[t] = open + resolved + exhausted
	}
	return stats, rows.Err()
}
