// Package webhook keeps provider push-notification channels alive and turns
// inbound notifications into pull jobs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/gate"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
)

const (
	DefaultTTL      = 7 * 24 * time.Hour
	renewWindow     = 24 * time.Hour
	cleanupAfter    = 7 * 24 * time.Hour
	defaultCalendar = "primary"
	notAllowedFmt   = "sync not allowed: %s"
)

// ErrSyncNotAllowed is shared with the sync pipelines so job classification
// treats a channel whose owner cannot sync as a permanent failure.
var ErrSyncNotAllowed = syncer.ErrSyncNotAllowed

type Gate interface {
	CanSync(ctx context.Context, userID int64) gate.Decision
}

// PullEnqueuer schedules a pull for a user.
type PullEnqueuer interface {
	Pull(ctx context.Context, userID int64, priority queue.Priority) (*queue.Handle, error)
}

type Options struct {
	CallbackURL string
	TTL         time.Duration
}

// RenewalResult summarizes one renewal sweep.
type RenewalResult struct {
	Checked     int `json:"checked"`
	Renewed     int `json:"renewed"`
	Failed      int `json:"failed"`
	Deactivated int `json:"deactivated"`
}

// Stats is the renewal view served to operators.
type Stats struct {
	Total        int       `json:"total"`
	Active       int       `json:"active"`
	Inactive     int       `json:"inactive"`
	ExpiringSoon int       `json:"expiringSoon"`
	Expired      int       `json:"expired"`
	CheckedAt    time.Time `json:"checkedAt"`
}

type Renewer struct {
	channels store.ChannelRepository
	remote   remote.Client
	gate     Gate
	pulls    PullEnqueuer
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewRenewer(channels store.ChannelRepository, client remote.Client, g Gate, pulls PullEnqueuer, opts Options, log *slog.Logger) *Renewer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Renewer{
		channels: channels,
		remote:   client,
		gate:     g,
		pulls:    pulls,
		opts:     opts,
		log:      log.With(slog.String("component", "webhook")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Subscribe opens a channel for the user's calendar unless one is already
// active.
func (r *Renewer) Subscribe(ctx context.Context, userID int64) (*store.WebhookChannel, error) {
	existing, err := r.channels.ListByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	for i := range existing {
		if existing[i].Active && existing[i].ExpiresAt.After(r.now()) {
			return &existing[i], nil
		}
	}

	d := r.gate.CanSync(ctx, userID)
	if !d.Allowed && d.Transient {
		return nil, fmt.Errorf("sync check unavailable: %s", d.Reason)
	}
	if !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrSyncNotAllowed, d.Reason)
	}
	calendarID := d.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendar
	}
	channelID, token := r.newID(), r.newID()
	opened, err := r.remote.Watch(ctx, d.Token, calendarID, remote.WatchRequest{
		ChannelID: channelID,
		Address:   r.opts.CallbackURL,
		Token:     token,
		TTL:       r.opts.TTL,
	})
	if err != nil {
		metrics.ObserveRenewal("subscribe_failed")
		return nil, fmt.Errorf("watch calendar: %w", err)
	}
	ch, err := r.channels.Create(ctx, store.WebhookChannel{
		OwnerID:    userID,
		CalendarID: calendarID,
		ChannelID:  opened.ID,
		ResourceID: opened.ResourceID,
		Token:      token,
		ExpiresAt:  r.expiry(opened),
		Active:     true,
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveRenewal("subscribed")
	r.log.Info("channel subscribed", slog.Int64("user_id", userID), slog.String("channel", ch.ChannelID),
		slog.Time("expires_at", ch.ExpiresAt))
	return ch, nil
}

// RenewExpiring renews every active channel that expires within 24h.
func (r *Renewer) RenewExpiring(ctx context.Context) (RenewalResult, error) {
	var res RenewalResult
	expiring, err := r.channels.ListExpiring(ctx, r.now().UTC().Add(renewWindow))
	if err != nil {
		return res, fmt.Errorf("list expiring channels: %w", err)
	}
	for _, ch := range expiring {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		_, err := r.renew(ctx, ch)
		switch {
		case err == nil:
			res.Renewed++
		case errors.Is(err, ErrSyncNotAllowed):
			res.Deactivated++
		default:
			res.Failed++
		}
	}
	if res.Checked > 0 {
		r.log.Info("channel renewal finished", slog.Int("checked", res.Checked), slog.Int("renewed", res.Renewed),
			slog.Int("failed", res.Failed), slog.Int("deactivated", res.Deactivated))
	}
	return res, nil
}

// ForceRenew renews one channel regardless of its expiry.
func (r *Renewer) ForceRenew(ctx context.Context, id int64) (*store.WebhookChannel, error) {
	ch, err := r.channels.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ch.Active {
		return nil, fmt.Errorf("channel %d is inactive: %w", id, store.ErrNotFound)
	}
	return r.renew(ctx, *ch)
}

// renew opens the replacement channel before stopping the old one so no
// notification window is lost.
func (r *Renewer) renew(ctx context.Context, ch store.WebhookChannel) (*store.WebhookChannel, error) {
	now := r.now().UTC()
	d := r.gate.CanSync(ctx, ch.OwnerID)
	if !d.Allowed && d.Transient {
		// The channel stays active and is picked up again by the next sweep.
		if ferr := r.channels.RecordFailure(ctx, ch.ID, string(d.Reason)); ferr != nil {
			r.log.Warn("record channel failure", slog.Int64("channel_id", ch.ID), slog.Any("error", ferr))
		}
		metrics.ObserveRenewal("failed")
		r.log.Warn("sync check unavailable", slog.Int64("channel_id", ch.ID), slog.String("reason", string(d.Reason)))
		return nil, fmt.Errorf("sync check unavailable: %s", d.Reason)
	}
	if !d.Allowed {
		if err := r.channels.Deactivate(ctx, ch.ID, fmt.Sprintf(notAllowedFmt, d.Reason), now); err != nil {
			r.log.Warn("deactivate channel", slog.Int64("channel_id", ch.ID), slog.Any("error", err))
		}
		metrics.ObserveRenewal("deactivated")
		return nil, fmt.Errorf("%w: %s", ErrSyncNotAllowed, d.Reason)
	}

	channelID, token := r.newID(), r.newID()
	opened, err := r.remote.Watch(ctx, d.Token, ch.CalendarID, remote.WatchRequest{
		ChannelID: channelID,
		Address:   r.opts.CallbackURL,
		Token:     token,
		TTL:       r.opts.TTL,
	})
	if err != nil {
		if ferr := r.channels.RecordFailure(ctx, ch.ID, err.Error()); ferr != nil {
			r.log.Warn("record channel failure", slog.Int64("channel_id", ch.ID), slog.Any("error", ferr))
		}
		metrics.ObserveRenewal("failed")
		r.log.Error("channel renewal failed", slog.Int64("channel_id", ch.ID), slog.Any("error", err))
		return nil, fmt.Errorf("watch calendar: %w", err)
	}
	if err := r.remote.Stop(ctx, d.Token, ch.ChannelID, ch.ResourceID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		r.log.Warn("stop old channel", slog.String("channel", ch.ChannelID), slog.Any("error", err))
	}
	expires := r.expiry(opened)
	if err := r.channels.Renew(ctx, ch.ID, opened.ID, opened.ResourceID, token, expires, now); err != nil {
		return nil, fmt.Errorf("store renewed channel: %w", err)
	}
	metrics.ObserveRenewal("renewed")
	r.log.Info("channel renewed", slog.Int64("channel_id", ch.ID), slog.String("channel", opened.ID),
		slog.Time("expires_at", expires))
	return r.channels.Get(ctx, ch.ID)
}

func (r *Renewer) expiry(c *remote.Channel) time.Time {
	if c.Expiration.IsZero() {
		return r.now().UTC().Add(r.opts.TTL)
	}
	return c.Expiration.UTC()
}

// CleanupExpired deletes channels that expired more than seven days ago.
func (r *Renewer) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := r.channels.DeleteExpiredBefore(ctx, r.now().UTC().Add(-cleanupAfter))
	if err != nil {
		return 0, fmt.Errorf("cleanup channels: %w", err)
	}
	if n > 0 {
		r.log.Info("expired channels removed", slog.Int64("count", n))
	}
	return n, nil
}

// ValidateCredentials deactivates active channels whose owner can no longer
// sync. Owners whose check could not complete are left alone.
func (r *Renewer) ValidateCredentials(ctx context.Context) (int, error) {
	active, err := r.channels.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active channels: %w", err)
	}
	now := r.now().UTC()
	allowed := make(map[int64]gate.Decision)
	deactivated := 0
	for _, ch := range active {
		d, ok := allowed[ch.OwnerID]
		if !ok {
			d = r.gate.CanSync(ctx, ch.OwnerID)
			allowed[ch.OwnerID] = d
		}
		if d.Allowed {
			continue
		}
		if d.Transient {
			r.log.Warn("credential check skipped", slog.Int64("channel_id", ch.ID), slog.String("reason", string(d.Reason)))
			continue
		}
		if err := r.channels.Deactivate(ctx, ch.ID, fmt.Sprintf(notAllowedFmt, d.Reason), now); err != nil {
			r.log.Warn("deactivate channel", slog.Int64("channel_id", ch.ID), slog.Any("error", err))
			continue
		}
		metrics.ObserveRenewal("deactivated")
		deactivated++
	}
	if deactivated > 0 {
		r.log.Info("channels deactivated", slog.Int("count", deactivated))
	}
	return deactivated, nil
}

func (r *Renewer) Stats(ctx context.Context) (Stats, error) {
	now := r.now().UTC()
	s, err := r.channels.Stats(ctx, now, renewWindow)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Total:        s.Total,
		Active:       s.Active,
		Inactive:     s.Inactive,
		ExpiringSoon: s.ExpiringSoon,
		Expired:      s.Expired,
		CheckedAt:    now,
	}, nil
}

func (r *Renewer) Channel(ctx context.Context, id int64) (*store.WebhookChannel, error) {
	return r.channels.Get(ctx, id)
}
