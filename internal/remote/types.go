package remote

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// StatusCancelled marks a remote event deleted on the provider.
const StatusCancelled = "cancelled"

// Client is the provider calendar API used by the sync engine.
type Client interface {
	List(ctx context.Context, tok *oauth2.Token, calendarID string, opts ListOptions) ([]Event, error)
	Get(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) (*Event, error)
	Create(ctx context.Context, tok *oauth2.Token, calendarID string, in EventInput) (*Event, error)
	Update(ctx context.Context, tok *oauth2.Token, calendarID, eventID string, in EventInput) (*Event, error)
	Delete(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) error
	Watch(ctx context.Context, tok *oauth2.Token, calendarID string, req WatchRequest) (*Channel, error)
	Stop(ctx context.Context, tok *oauth2.Token, channelID, resourceID string) error
}

// ListOptions bounds a list call. MaxResults caps the total across pages.
type ListOptions struct {
	TimeMin    time.Time
	TimeMax    time.Time
	MaxResults int
}

// EventTime is either a timed instant or an all-day date.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Event is the provider's event representation.
type Event struct {
	ID          string     `json:"id"`
	ETag        string     `json:"etag,omitempty"`
	Status      string     `json:"status,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Recurrence  []string   `json:"recurrence,omitempty"`
	Created     string     `json:"created,omitempty"`
	Updated     string     `json:"updated,omitempty"`
}

// EventInput is the writable subset sent on create and update.
type EventInput struct {
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       *EventTime `json:"start"`
	End         *EventTime `json:"end"`
	Recurrence  []string   `json:"recurrence,omitempty"`
}

// WatchRequest opens a push-notification channel.
type WatchRequest struct {
	ChannelID string
	Address   string
	Token     string
	TTL       time.Duration
}

// Channel is an open push-notification subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

type listResponse struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}

type watchBody struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Address string            `json:"address"`
	Token   string            `json:"token,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

type watchResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"`
}

type stopBody struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}
