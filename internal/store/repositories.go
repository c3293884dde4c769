package store

import (
	"context"
	"time"
)

// EventRepository handles local event storage.
type EventRepository interface {
	Insert(ctx context.Context, event Event) (*Event, error)
	// BulkUpsert writes all events in one statement keyed by remote id.
	BulkUpsert(ctx context.Context, events []Event) (UpsertStats, error)
	// Upsert writes one event keyed by remote id and reports whether it was created.
	Upsert(ctx context.Context, event Event) (*Event, bool, error)
	Update(ctx context.Context, event Event) (*Event, error)
	Delete(ctx context.Context, ownerID, id int64) error
	DeleteByRemoteID(ctx context.Context, ownerID int64, provider, remoteID string) error
	GetByID(ctx context.Context, ownerID, id int64) (*Event, error)
	FindByRemoteID(ctx context.Context, ownerID int64, provider, remoteID string) (*Event, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]Event, error)
	SetRemoteLink(ctx context.Context, ownerID, id int64, remoteID, etag string, syncedAt time.Time) error
	ClearRemoteLinks(ctx context.Context, ownerID int64, provider string) (int64, error)
}

// ConflictRepository persists sync conflicts. Conflicts are never deleted.
type ConflictRepository interface {
	Create(ctx context.Context, conflict SyncConflict) (*SyncConflict, error)
	Get(ctx context.Context, ownerID, id int64) (*SyncConflict, error)
	ListByOwner(ctx context.Context, ownerID int64, unresolvedOnly bool) ([]SyncConflict, error)
	Resolve(ctx context.Context, ownerID, id int64, resolution string, at time.Time) (*SyncConflict, error)
}

// ChannelRepository persists webhook channels.
type ChannelRepository interface {
	Create(ctx context.Context, channel WebhookChannel) (*WebhookChannel, error)
	Get(ctx context.Context, id int64) (*WebhookChannel, error)
	GetByChannelID(ctx context.Context, channelID string) (*WebhookChannel, error)
	ListExpiring(ctx context.Context, before time.Time) ([]WebhookChannel, error)
	ListActive(ctx context.Context) ([]WebhookChannel, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]WebhookChannel, error)
	Renew(ctx context.Context, id int64, channelID, resourceID, token string, expiresAt, renewedAt time.Time) error
	Deactivate(ctx context.Context, id int64, reason string, at time.Time) error
	RecordFailure(ctx context.Context, id int64, message string) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time, window time.Duration) (ChannelStats, error)
}

// SyncErrorRepository persists the error recovery ledger.
type SyncErrorRepository interface {
	Create(ctx context.Context, syncErr SyncError) (*SyncError, error)
	Get(ctx context.Context, id int64) (*SyncError, error)
	ListByOwner(ctx context.Context, ownerID int64, includeResolved bool, limit int) ([]SyncError, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]SyncError, error)
	MarkResolved(ctx context.Context, id int64, at time.Time) error
	Reschedule(ctx context.Context, id int64, retryCount int, next time.Time, message string) error
	DeleteArchivable(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (SyncErrorStats, error)
}

// ConnectionRepository tracks provider connections and the sync toggle.
type ConnectionRepository interface {
	Get(ctx context.Context, ownerID int64) (*Connection, error)
	Upsert(ctx context.Context, conn Connection) (*Connection, error)
	SetSyncEnabled(ctx context.Context, ownerID int64, enabled bool) error
	Deactivate(ctx context.Context, ownerID int64, at time.Time) error
	MarkInitialSync(ctx context.Context, ownerID int64, at time.Time) error
	ListSyncable(ctx context.Context) ([]Connection, error)
}

// CredentialRepository stores sealed OAuth tokens.
type CredentialRepository interface {
	Get(ctx context.Context, ownerID int64, provider string) (*Credential, error)
	Save(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, ownerID int64, provider string) error
}
