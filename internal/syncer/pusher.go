package syncer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/adapter"
	"github.com/jw6ventures/calsync/internal/gate"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
)

// PushResult reports a local mutation and whether it reached the provider.
// The local write is kept even when the remote call fails.
type PushResult struct {
	Event          *store.Event `json:"event,omitempty"`
	SyncedToRemote bool         `json:"syncedToRemote"`
	Reason         string       `json:"reason,omitempty"`
	Error          string       `json:"error,omitempty"`
	RetryQueued    bool         `json:"retryQueued,omitempty"`
}

// PushRetrier queues a background push for a change that reached the local
// store but not the provider.
type PushRetrier interface {
	RetryUpsert(ctx context.Context, userID, eventID int64) error
	RetryDelete(ctx context.Context, userID int64, remoteID string) error
}

// Pusher applies local changes first, then mirrors them remotely once.
type Pusher struct {
	events  store.EventRepository
	remote  remote.Client
	gate    Gate
	retrier PushRetrier
	log     *slog.Logger
	now     func() time.Time
}

func NewPusher(events store.EventRepository, client remote.Client, g Gate, log *slog.Logger) *Pusher {
	return &Pusher{
		events: events,
		remote: client,
		gate:   g,
		log:    log.With(slog.String("component", "pusher")),
		now:    time.Now,
	}
}

// RetryWith makes Create, Update and Delete queue a push job when the
// provider call fails with a transient error.
func (p *Pusher) RetryWith(r PushRetrier) {
	p.retrier = r
}

func (p *Pusher) Create(ctx context.Context, userID int64, in store.EventInput) (*PushResult, error) {
	ev := store.Event{OwnerID: userID, Provider: store.ProviderGoogle}
	in.Apply(&ev)
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	saved, err := p.events.Insert(ctx, ev)
	if err != nil {
		return nil, err
	}

	res := &PushResult{Event: saved}
	d, ok := p.allowed(ctx, "create", userID, res)
	if !ok {
		return res, nil
	}
	if err := p.createRemote(ctx, d, saved, res); err != nil {
		p.retry(ctx, err, res, func() error { return p.retrier.RetryUpsert(ctx, userID, saved.ID) })
	}
	return res, nil
}

func (p *Pusher) Update(ctx context.Context, userID, eventID int64, in store.EventInput) (*PushResult, error) {
	existing, err := p.events.GetByID(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	in.Apply(existing)
	if err := existing.Validate(); err != nil {
		return nil, err
	}
	saved, err := p.events.Update(ctx, *existing)
	if err != nil {
		return nil, err
	}

	res := &PushResult{Event: saved}
	d, ok := p.allowed(ctx, "update", userID, res)
	if !ok {
		return res, nil
	}
	retryUpsert := func() error { return p.retrier.RetryUpsert(ctx, userID, saved.ID) }
	if !saved.HasRemote() {
		if err := p.createRemote(ctx, d, saved, res); err != nil {
			p.retry(ctx, err, res, retryUpsert)
		}
		return res, nil
	}

	r, err := p.remote.Update(ctx, d.Token, d.CalendarID, *saved.RemoteID, adapter.ToRemote(*saved))
	if err != nil {
		p.remoteFailed(ctx, "update", userID, saved.ID, err, res)
		p.retry(ctx, err, res, retryUpsert)
		return res, nil
	}
	p.link(ctx, "update", saved, r, res)
	return res, nil
}

func (p *Pusher) Delete(ctx context.Context, userID, eventID int64) (*PushResult, error) {
	existing, err := p.events.GetByID(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	if err := p.events.Delete(ctx, userID, eventID); err != nil {
		return nil, err
	}

	res := &PushResult{Event: existing}
	if !existing.HasRemote() {
		res.SyncedToRemote = true
		metrics.ObservePush("delete", "local_only")
		return res, nil
	}
	d, ok := p.allowed(ctx, "delete", userID, res)
	if !ok {
		return res, nil
	}

	err = p.remote.Delete(ctx, d.Token, d.CalendarID, *existing.RemoteID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		p.remoteFailed(ctx, "delete", userID, eventID, err, res)
		remoteID := *existing.RemoteID
		p.retry(ctx, err, res, func() error { return p.retrier.RetryDelete(ctx, userID, remoteID) })
		return res, nil
	}
	res.SyncedToRemote = true
	metrics.ObservePush("delete", "synced")
	return res, nil
}

// Resync mirrors the stored state of an existing local event. Queued push
// jobs use it so a retry always sends the latest local content. It never
// queues a retry itself; the calling job owns retries.
func (p *Pusher) Resync(ctx context.Context, userID, eventID int64) (*PushResult, error) {
	existing, err := p.events.GetByID(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	res := &PushResult{Event: existing}
	d, ok := p.allowed(ctx, "resync", userID, res)
	if !ok {
		return res, nil
	}
	if !existing.HasRemote() {
		_ = p.createRemote(ctx, d, existing, res)
		return res, nil
	}
	r, err := p.remote.Update(ctx, d.Token, d.CalendarID, *existing.RemoteID, adapter.ToRemote(*existing))
	if err != nil {
		p.remoteFailed(ctx, "resync", userID, existing.ID, err, res)
		return res, nil
	}
	p.link(ctx, "resync", existing, r, res)
	return res, nil
}

// DeleteRemote removes a provider event whose local copy is already gone.
func (p *Pusher) DeleteRemote(ctx context.Context, userID int64, remoteID string) (*PushResult, error) {
	if remoteID == "" {
		return nil, store.ErrMissingRemoteID
	}
	res := &PushResult{}
	d, ok := p.allowed(ctx, "delete", userID, res)
	if !ok {
		return res, nil
	}
	if err := p.remote.Delete(ctx, d.Token, d.CalendarID, remoteID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		p.remoteFailed(ctx, "delete", userID, 0, err, res)
		return res, nil
	}
	res.SyncedToRemote = true
	metrics.ObservePush("delete", "synced")
	return res, nil
}

func (p *Pusher) allowed(ctx context.Context, op string, userID int64, res *PushResult) (gate.Decision, bool) {
	d := p.gate.CanSync(ctx, userID)
	if !d.Allowed {
		res.Reason = string(d.Reason)
		metrics.ObservePush(op, "skipped")
		return d, false
	}
	return d, true
}

// createRemote returns the provider error, if any, after recording it on res.
func (p *Pusher) createRemote(ctx context.Context, d gate.Decision, saved *store.Event, res *PushResult) error {
	r, err := p.remote.Create(ctx, d.Token, d.CalendarID, adapter.ToRemote(*saved))
	if err != nil {
		p.remoteFailed(ctx, "create", saved.OwnerID, saved.ID, err, res)
		return err
	}
	p.link(ctx, "create", saved, r, res)
	return nil
}

func (p *Pusher) link(ctx context.Context, op string, saved *store.Event, r *remote.Event, res *PushResult) {
	now := p.now().UTC()
	if err := p.events.SetRemoteLink(ctx, saved.OwnerID, saved.ID, r.ID, r.ETag, now); err != nil {
		p.log.Error("store remote link", slog.String("op", op), slog.Int64("event_id", saved.ID), slog.Any("error", err))
		res.Error = err.Error()
		metrics.ObservePush(op, "failed")
		return
	}
	id := r.ID
	saved.RemoteID = &id
	if r.ETag != "" {
		etag := r.ETag
		saved.RemoteETag = &etag
	}
	saved.LastSyncedAt = &now
	res.SyncedToRemote = true
	metrics.ObservePush(op, "synced")
}

func (p *Pusher) remoteFailed(ctx context.Context, op string, userID, eventID int64, err error, res *PushResult) {
	p.log.Warn("remote push failed", slog.String("op", op), slog.Int64("user_id", userID),
		slog.Int64("event_id", eventID), slog.Any("error", err))
	res.Error = err.Error()
	metrics.ObservePush(op, "failed")
}

// retry queues the push when a retrier is set and cause may clear later.
func (p *Pusher) retry(ctx context.Context, cause error, res *PushResult, enqueue func() error) {
	if p.retrier == nil || !remote.IsTransient(cause) {
		return
	}
	if err := enqueue(); err != nil {
		p.log.Error("queue push retry", slog.Any("error", err))
		return
	}
	res.RetryQueued = true
	metrics.ObservePush("retry", "queued")
}
