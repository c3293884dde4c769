package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/jw6ventures/calsync/internal/adapter"
	"github.com/jw6ventures/calsync/internal/gate"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
)

// PullOptions bounds a pull. Zero values fall back to configured defaults.
type PullOptions struct {
	TimeMin    time.Time
	TimeMax    time.Time
	MaxResults int
}

// ItemError describes one remote event that could not be stored.
type ItemError struct {
	RemoteID string `json:"remoteId"`
	Message  string `json:"message"`
}

// PullResult aggregates a pull run.
type PullResult struct {
	Synced     int           `json:"synced"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Deleted    int           `json:"deleted"`
	Failed     int           `json:"failed"`
	Errors     []ItemError   `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skipReason,omitempty"`
}

func (r *PullResult) merge(o *PullResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
	r.Synced = r.Created + r.Updated + r.Deleted
}

// Puller imports remote events in sequential batches.
type Puller struct {
	events store.EventRepository
	remote remote.Client
	gate   Gate
	opts   Options
	log    *slog.Logger
	sleep  sleepFunc
	now    func() time.Time
}

func NewPuller(events store.EventRepository, client remote.Client, g Gate, opts Options, log *slog.Logger) *Puller {
	return &Puller{
		events: events,
		remote: client,
		gate:   g,
		opts:   opts.withDefaults(),
		log:    log.With(slog.String("component", "puller")),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Pull lists remote events in the window and imports them. A gate refusal
// yields a skipped result rather than an error; list failures and checks
// that could not complete are errors.
func (p *Puller) Pull(ctx context.Context, userID int64, opts PullOptions) (*PullResult, error) {
	start := p.now()
	d := p.gate.CanSync(ctx, userID)
	if !d.Allowed && d.Transient {
		return nil, notAllowed(d)
	}
	if !d.Allowed {
		return &PullResult{Skipped: true, SkipReason: string(d.Reason)}, nil
	}

	if opts.TimeMin.IsZero() {
		opts.TimeMin = start.Add(-p.opts.PullPast)
	}
	if opts.TimeMax.IsZero() {
		opts.TimeMax = start.Add(p.opts.PullAhead)
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = p.opts.MaxResults
	}

	events, err := p.remote.List(ctx, d.Token, d.CalendarID, remote.ListOptions{
		TimeMin:    opts.TimeMin,
		TimeMax:    opts.TimeMax,
		MaxResults: opts.MaxResults,
	})
	if err != nil {
		return nil, err
	}

	res, err := p.importAll(ctx, userID, events)
	if err != nil {
		return nil, err
	}
	res.Duration = p.now().Sub(start)
	metrics.ObservePull("pull", res.Created, res.Updated, res.Deleted, res.Failed, res.Duration)
	p.log.Info("pull finished", slog.Int64("user_id", userID), slog.Int("fetched", len(events)),
		slog.Int("synced", res.Synced), slog.Int("failed", res.Failed), slog.Duration("duration", res.Duration))
	return res, nil
}

// Import stores already-fetched remote events without contacting the provider.
func (p *Puller) Import(ctx context.Context, userID int64, events []remote.Event) (*PullResult, error) {
	start := p.now()
	res, err := p.importAll(ctx, userID, events)
	if err != nil {
		return nil, err
	}
	res.Duration = p.now().Sub(start)
	metrics.ObservePull("import", res.Created, res.Updated, res.Deleted, res.Failed, res.Duration)
	return res, nil
}

func (p *Puller) importAll(ctx context.Context, userID int64, events []remote.Event) (*PullResult, error) {
	total := &PullResult{}
	size := p.opts.BatchSize
	for i := 0; i < len(events); i += size {
		if i > 0 {
			if err := p.sleep(ctx, p.opts.BatchDelay); err != nil {
				return total, err
			}
		}
		end := i + size
		if end > len(events) {
			end = len(events)
		}
		total.merge(p.processBatch(ctx, userID, events[i:end]))
	}
	return total, nil
}

// processBatch tries one bulk upsert and falls back to per-item work when any
// row fails conversion or the statement fails. Cancelled events are always
// deleted item by item.
func (p *Puller) processBatch(ctx context.Context, userID int64, batch []remote.Event) *PullResult {
	syncedAt := p.now().UTC()
	res := &PullResult{}

	live := make([]remote.Event, 0, len(batch))
	var cancelled []remote.Event
	for _, ev := range batch {
		if adapter.IsCancelled(ev) {
			cancelled = append(cancelled, ev)
		} else {
			live = append(live, ev)
		}
	}
	if len(cancelled) > 0 {
		res.merge(p.processItems(ctx, userID, cancelled, syncedAt))
	}
	if len(live) == 0 {
		return res
	}

	rows := make([]store.Event, 0, len(live))
	for _, ev := range live {
		local, err := adapter.ToLocal(userID, store.ProviderGoogle, ev)
		if err != nil {
			p.log.Debug("malformed event in batch, falling back to per-item", slog.String("remote_id", ev.ID), slog.Any("error", err))
			res.merge(p.processItems(ctx, userID, live, syncedAt))
			return res
		}
		local.LastSyncedAt = &syncedAt
		rows = append(rows, local)
	}

	stats, err := p.events.BulkUpsert(ctx, rows)
	if err != nil {
		p.log.Warn("bulk upsert failed, falling back to per-item", slog.Int64("user_id", userID),
			slog.Int("batch", len(live)), slog.Any("error", err))
		res.merge(p.processItems(ctx, userID, live, syncedAt))
		return res
	}
	res.merge(&PullResult{Created: stats.Inserted, Updated: stats.Updated})
	return res
}

func (p *Puller) processItems(ctx context.Context, userID int64, batch []remote.Event, syncedAt time.Time) *PullResult {
	var (
		mu  sync.Mutex
		res = &PullResult{}
	)
	fail := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		res.Failed++
		res.Errors = append(res.Errors, ItemError{RemoteID: id, Message: err.Error()})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrency)
	for _, ev := range batch {
		g.Go(func() error {
			if adapter.IsCancelled(ev) {
				err := retry(gctx, p.opts.MaxAttempts, p.sleep, retryable, func() error {
					return p.events.DeleteByRemoteID(gctx, userID, store.ProviderGoogle, ev.ID)
				})
				if err != nil {
					fail(ev.ID, err)
					return nil
				}
				mu.Lock()
				res.Deleted++
				mu.Unlock()
				return nil
			}

			local, err := adapter.ToLocal(userID, store.ProviderGoogle, ev)
			if err != nil {
				fail(ev.ID, err)
				return nil
			}
			local.LastSyncedAt = &syncedAt

			var created bool
			err = retry(gctx, p.opts.MaxAttempts, p.sleep, retryable, func() error {
				var uerr error
				_, created, uerr = p.events.Upsert(gctx, local)
				return uerr
			})
			if err != nil {
				fail(ev.ID, err)
				return nil
			}
			mu.Lock()
			if created {
				res.Created++
			} else {
				res.Updated++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	res.Synced = res.Created + res.Updated + res.Deleted
	return res
}

// retryable excludes malformed input and permanent database errors.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, adapter.ErrMalformed) && !store.IsPermanent(err) && !errors.Is(err, store.ErrMissingRemoteID)
}

var _ Gate = (*gate.Gate)(nil)
