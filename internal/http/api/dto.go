package api

import (
	"encoding/json"
	"time"

	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/webhook"
)

// ==================== Views ====================

type eventView struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	AllDay       bool       `json:"allDay"`
	Recurrence   string     `json:"recurrence,omitempty"`
	RemoteID     string     `json:"remoteId,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func toEventView(e *store.Event) *eventView {
	if e == nil {
		return nil
	}
	v := &eventView{
		ID:           e.ID,
		Title:        e.Title,
		Description:  e.Description,
		Location:     e.Location,
		Start:        e.StartAt,
		End:          e.EndAt,
		AllDay:       e.AllDay,
		Recurrence:   e.Recurrence,
		LastSyncedAt: e.LastSyncedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.RemoteID != nil {
		v.RemoteID = *e.RemoteID
	}
	return v
}

type pushView struct {
	Event          *eventView `json:"event,omitempty"`
	SyncedToRemote bool       `json:"syncedToRemote"`
	Reason         string     `json:"reason,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func toPushView(r *syncer.PushResult) pushView {
	return pushView{
		Event:          toEventView(r.Event),
		SyncedToRemote: r.SyncedToRemote,
		Reason:         r.Reason,
		Error:          r.Error,
	}
}

type conflictView struct {
	ID             int64           `json:"id"`
	LocalEventID   *int64          `json:"localEventId,omitempty"`
	RemoteEventID  string          `json:"remoteEventId"`
	Reason         string          `json:"reason"`
	Strategy       string          `json:"strategy"`
	Resolution     string          `json:"resolution,omitempty"`
	Resolved       bool            `json:"resolved"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	LocalSnapshot  json.RawMessage `json:"localSnapshot,omitempty"`
	RemoteSnapshot json.RawMessage `json:"remoteSnapshot,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func toConflictView(c store.SyncConflict) conflictView {
	return conflictView{
		ID:             c.ID,
		LocalEventID:   c.LocalEventID,
		RemoteEventID:  c.RemoteEventID,
		Reason:         string(c.Reason),
		Strategy:       c.Strategy,
		Resolution:     c.Resolution,
		Resolved:       c.Resolved,
		ResolvedAt:     c.ResolvedAt,
		LocalSnapshot:  c.LocalSnapshot,
		RemoteSnapshot: c.RemoteSnapshot,
		CreatedAt:      c.CreatedAt,
	}
}

func toConflictViews(cs []store.SyncConflict) []conflictView {
	out := make([]conflictView, 0, len(cs))
	for _, c := range cs {
		out = append(out, toConflictView(c))
	}
	return out
}

type syncErrorView struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	Exhausted   bool            `json:"exhausted"`
	Resolved    bool            `json:"resolved"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func toSyncErrorView(e store.SyncError) syncErrorView {
	return syncErrorView{
		ID:          e.ID,
		Type:        string(e.ErrorType),
		Message:     e.Message,
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		NextRetryAt: e.NextRetryAt,
		Exhausted:   e.Exhausted(),
		Resolved:    e.Resolved,
		ResolvedAt:  e.ResolvedAt,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt,
	}
}

// channelView leaves out the verification token.
type channelView struct {
	ID         int64      `json:"id"`
	CalendarID string     `json:"calendarId"`
	ChannelID  string     `json:"channelId"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Active     bool       `json:"active"`
	RenewedAt  *time.Time `json:"renewedAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

func toChannelView(c *store.WebhookChannel) channelView {
	return channelView{
		ID:         c.ID,
		CalendarID: c.CalendarID,
		ChannelID:  c.ChannelID,
		ExpiresAt:  c.ExpiresAt,
		Active:     c.Active,
		RenewedAt:  c.RenewedAt,
		LastError:  c.LastError,
	}
}

type connectionView struct {
	CalendarID    string     `json:"calendarId"`
	Active        bool       `json:"active"`
	SyncEnabled   bool       `json:"syncEnabled"`
	InitialSyncAt *time.Time `json:"initialSyncAt,omitempty"`
}

type jobHandleView struct {
	ID           string `json:"id"`
	Queue        string `json:"queue"`
	Name         string `json:"name"`
	Deduplicated bool   `json:"deduplicated"`
}

func toJobHandleView(h *queue.Handle) jobHandleView {
	return jobHandleView{ID: h.ID, Queue: h.Queue, Name: h.Name, Deduplicated: h.Deduplicated}
}

// ==================== Sync ====================

type initialSyncInput struct {
	Async bool `query:"async" doc:"Queue the run instead of waiting for it"`
	Body  struct {
		Strategy string `json:"strategy" enum:"MERGE_PREFER_LOCAL,MERGE_PREFER_REMOTE,KEEP_BOTH" doc:"Conflict strategy"`
	}
}

type initialSyncOutput struct {
	Status int
	Body   struct {
		Result *syncer.InitialSyncResult `json:"result,omitempty"`
		Job    *jobHandleView            `json:"job,omitempty"`
	}
}

type syncEnabledOutput struct {
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

type setSyncEnabledInput struct {
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

type connectInput struct {
	Body struct {
		CalendarID   string     `json:"calendarId,omitempty" doc:"Remote calendar, defaults to primary"`
		AccessToken  string     `json:"accessToken" minLength:"1"`
		RefreshToken string     `json:"refreshToken,omitempty"`
		TokenType    string     `json:"tokenType,omitempty"`
		Expiry       *time.Time `json:"expiry,omitempty"`
	}
}

type connectOutput struct {
	Body struct {
		Connection connectionView `json:"connection"`
		Channel    *channelView   `json:"channel,omitempty"`
	}
}

type disconnectOutput struct {
	Body *syncer.DisconnectResult
}

type conflictsInput struct {
	All bool `query:"all" doc:"Include resolved conflicts"`
}

type conflictsOutput struct {
	Body []conflictView
}

type resolveConflictInput struct {
	ID   int64 `path:"id" example:"1" doc:"Conflict ID"`
	Body struct {
		Resolution string `json:"resolution" minLength:"1" doc:"Free-form resolution note"`
	}
}

type conflictOutput struct {
	Body conflictView
}

type pullInput struct {
	Async bool `query:"async" doc:"Queue the pull instead of waiting for it"`
	Body  struct {
		TimeMin    *time.Time `json:"timeMin,omitempty"`
		TimeMax    *time.Time `json:"timeMax,omitempty"`
		MaxResults int        `json:"maxResults,omitempty" minimum:"0" maximum:"2500"`
		Priority   string     `json:"priority,omitempty" enum:"critical,high,medium,low,background"`
	}
}

type pullOutput struct {
	Status int
	Body   struct {
		Result *syncer.PullResult `json:"result,omitempty"`
		Job    *jobHandleView     `json:"job,omitempty"`
	}
}

// ==================== Events ====================

type eventRequest struct {
	Title       string    `json:"title" minLength:"1"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"allDay,omitempty"`
	Recurrence  string    `json:"recurrence,omitempty"`
}

func (r eventRequest) input() store.EventInput {
	return store.EventInput{
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		StartAt:     r.Start,
		EndAt:       r.End,
		AllDay:      r.AllDay,
		Recurrence:  r.Recurrence,
	}
}

type createEventInput struct {
	Body eventRequest
}

type updateEventInput struct {
	ID   int64 `path:"id" example:"1" doc:"Local event ID"`
	Body eventRequest
}

type eventIDInput struct {
	ID int64 `path:"id" example:"1" doc:"Local event ID"`
}

type pushOutput struct {
	Body pushView
}

// ==================== Jobs ====================

type enqueueInput struct {
	Body struct {
		Kind       string     `json:"kind" enum:"pull,push,batch-pull,full-sync"`
		Priority   string     `json:"priority,omitempty" enum:"critical,high,medium,low,background"`
		TimeMin    *time.Time `json:"timeMin,omitempty"`
		TimeMax    *time.Time `json:"timeMax,omitempty"`
		MaxResults int        `json:"maxResults,omitempty" minimum:"0"`
		Operation  string     `json:"operation,omitempty" enum:"upsert,delete"`
		EventID    int64      `json:"eventId,omitempty"`
		RemoteID   string     `json:"remoteId,omitempty"`
	}
}

type jobHandleOutput struct {
	Body jobHandleView
}

type jobIDInput struct {
	ID string `path:"id" doc:"Job ID"`
}

type jobOutput struct {
	Body *queue.Job
}

type healthOutput struct {
	Body struct {
		Healthy bool           `json:"healthy"`
		Queues  []queue.Health `json:"queues"`
	}
}

type queueSelectInput struct {
	Queue string `query:"queue" doc:"Queue name; all queues when empty"`
}

type queueStateOutput struct {
	Body struct {
		Queues []string `json:"queues"`
		Paused bool     `json:"paused"`
	}
}

// ==================== Errors ====================

type listErrorsInput struct {
	IncludeResolved bool `query:"includeResolved"`
	Limit           int  `query:"limit" minimum:"0" maximum:"500"`
}

type listErrorsOutput struct {
	Body []syncErrorView
}

type errorIDInput struct {
	ID int64 `path:"id" example:"1" doc:"Ledger entry ID"`
}

type syncErrorOutput struct {
	Body syncErrorView
}

// ==================== Webhooks ====================

type webhookStatsOutput struct {
	Body webhook.Stats
}

type channelIDInput struct {
	ID int64 `path:"id" example:"1" doc:"Channel ID"`
}

type channelOutput struct {
	Body channelView
}

type notificationInput struct {
	ChannelID     string `header:"X-Goog-Channel-ID"`
	Token         string `header:"X-Goog-Channel-Token"`
	ResourceID    string `header:"X-Goog-Resource-ID"`
	ResourceState string `header:"X-Goog-Resource-State"`
	MessageNumber string `header:"X-Goog-Message-Number"`
}

type notificationOutput struct {
	Body *webhook.NotificationResult
}
