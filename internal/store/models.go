package store

import (
	"encoding/json"
	"time"
)

// ProviderGoogle is the default remote calendar provider.
const ProviderGoogle = "google"

// Event is the local calendar record.
type Event struct {
	ID           int64
	OwnerID      int64
	Provider     string
	Title        string
	Description  string
	Location     string
	StartAt      time.Time
	EndAt        time.Time
	AllDay       bool
	Recurrence   string
	RemoteID     *string
	RemoteETag   *string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasRemote reports whether the event is linked to a provider record.
func (e Event) HasRemote() bool {
	return e.RemoteID != nil && *e.RemoteID != ""
}

// Validate enforces the time-range invariant.
func (e Event) Validate() error {
	if e.OwnerID == 0 {
		return ErrMissingOwner
	}
	if e.StartAt.IsZero() || e.EndAt.IsZero() {
		return ErrInvalidRange
	}
	if e.AllDay {
		if e.EndAt.Before(e.StartAt) {
			return ErrInvalidRange
		}
		return nil
	}
	if !e.StartAt.Before(e.EndAt) {
		return ErrInvalidRange
	}
	return nil
}

// EventInput carries the user-editable fields of an event.
type EventInput struct {
	Title       string
	Description string
	Location    string
	StartAt     time.Time
	EndAt       time.Time
	AllDay      bool
	Recurrence  string
}

// Apply copies the input onto an event, leaving identity and sync fields alone.
func (in EventInput) Apply(e *Event) {
	e.Title = in.Title
	e.Description = in.Description
	e.Location = in.Location
	e.StartAt = in.StartAt
	e.EndAt = in.EndAt
	e.AllDay = in.AllDay
	e.Recurrence = in.Recurrence
}

// UpsertStats reports how a bulk upsert split between inserts and updates.
type UpsertStats struct {
	Inserted int
	Updated  int
}

// ConflictReason tags why two events were matched.
type ConflictReason string

const (
	ConflictDuplicate       ConflictReason = "duplicate"
	ConflictOverlap         ConflictReason = "overlap"
	ConflictContentMismatch ConflictReason = "content-mismatch"
)

// SyncConflict is an audit record of a matched local/remote pair.
type SyncConflict struct {
	ID             int64
	OwnerID        int64
	LocalEventID   *int64
	RemoteEventID  string
	LocalSnapshot  json.RawMessage
	RemoteSnapshot json.RawMessage
	Reason         ConflictReason
	Strategy       string
	Resolution     string
	Resolved       bool
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

// WebhookChannel is a push-notification subscription.
type WebhookChannel struct {
	ID            int64
	OwnerID       int64
	CalendarID    string
	ChannelID     string
	ResourceID    string
	Token         string
	ExpiresAt     time.Time
	Active        bool
	RenewedAt     *time.Time
	DeactivatedAt *time.Time
	LastError     string
	CreatedAt     time.Time
}

// ChannelStats summarizes webhook channel health.
type ChannelStats struct {
	Total        int
	Active       int
	Inactive     int
	ExpiringSoon int
	Expired      int
}

// ErrorType enumerates ledger error categories.
type ErrorType string

const (
	ErrorEventSync          ErrorType = "event-sync"
	ErrorWebhookDelivery    ErrorType = "webhook-delivery"
	ErrorCalendarConnection ErrorType = "calendar-connection"
	ErrorTokenRefresh       ErrorType = "token-refresh"
)

// Valid reports whether t is a known error type.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorEventSync, ErrorWebhookDelivery, ErrorCalendarConnection, ErrorTokenRefresh:
		return true
	}
	return false
}

// SyncError is a durable failed operation awaiting retry.
type SyncError struct {
	ID          int64
	OwnerID     int64
	ErrorType   ErrorType
	Message     string
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	Metadata    json.RawMessage
	Resolved    bool
	ResolvedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Exhausted reports whether the retry budget is spent.
func (e SyncError) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// SyncErrorStats summarizes the ledger.
type SyncErrorStats struct {
	Open      int
	Resolved  int
	Exhausted int
	ByType    map[ErrorType]int
}

// Connection is a user's link to the remote provider.
type Connection struct {
	OwnerID       int64
	Provider      string
	CalendarID    string
	Active        bool
	SyncEnabled   bool
	InitialSyncAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Credential stores sealed OAuth tokens for a connection.
type Credential struct {
	OwnerID      int64
	Provider     string
	AccessToken  []byte
	RefreshToken []byte
	TokenType    string
	Expiry       *time.Time
	UpdatedAt    time.Time
}
