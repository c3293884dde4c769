package jobs

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/adapter"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
)

type Puller interface {
	Pull(ctx context.Context, userID int64, opts syncer.PullOptions) (*syncer.PullResult, error)
}

type Pusher interface {
	Resync(ctx context.Context, userID, eventID int64) (*syncer.PushResult, error)
	DeleteRemote(ctx context.Context, userID int64, remoteID string) (*syncer.PushResult, error)
}

type InitialSyncer interface {
	Run(ctx context.Context, userID int64, strategy syncer.Strategy) (*syncer.InitialSyncResult, error)
}

type ChannelRenewer interface {
	ForceRenew(ctx context.Context, channelID int64) (*store.WebhookChannel, error)
}

// Dispatcher runs queued payloads against the pipelines.
type Dispatcher struct {
	puller  Puller
	pusher  Pusher
	initial InitialSyncer
	renewer ChannelRenewer
	log     *slog.Logger
}

func NewDispatcher(puller Puller, pusher Pusher, initial InitialSyncer, renewer ChannelRenewer, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		puller:  puller,
		pusher:  pusher,
		initial: initial,
		renewer: renewer,
		log:     log.With(slog.String("component", "dispatcher")),
	}
}

// Register installs the dispatcher as the handler for every kind q carries.
func (d *Dispatcher) Register(q *queue.Queue[Payload], kinds ...Kind) {
	for _, k := range kinds {
		q.Process(k.String(), d.Handle)
	}
}

// Handle is a queue.Handler. Errors that retrying cannot fix are marked
// permanent so the job fails on the first attempt.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job, p Payload) (any, error) {
	if err := p.Validate(); err != nil {
		return nil, queue.Permanent(err)
	}
	var (
		result any
		err    error
	)
	switch p.Kind {
	case KindPull, KindFullSync, KindBatchPull:
		var res *syncer.PullResult
		res, err = d.puller.Pull(ctx, p.UserID, pullOptions(p.Pull))
		result = res
	case KindPush:
		var res *syncer.PushResult
		res, err = d.push(ctx, p.UserID, *p.Push)
		if err == nil && res.Error != "" {
			err = fmt.Errorf("push %s: %s", p.Push.Operation, res.Error)
		}
		result = res
	case KindInitialSync:
		var strategy syncer.Strategy
		strategy, err = syncer.ParseStrategy(p.InitialSync.Strategy)
		if err != nil {
			return nil, queue.Permanent(err)
		}
		var res *syncer.InitialSyncResult
		res, err = d.initial.Run(ctx, p.UserID, strategy)
		result = res
	case KindRenewChannel:
		var res *store.WebhookChannel
		res, err = d.renewer.ForceRenew(ctx, p.RenewChannel.ChannelID)
		result = res
	default:
		return nil, queue.Permanent(fmt.Errorf("unhandled job kind %s", p.Kind))
	}
	if err != nil {
		d.log.Warn("job handler failed", slog.String("job_id", job.ID), slog.String("kind", p.Kind.String()),
			slog.Int64("user_id", p.UserID), slog.Any("error", err))
		return nil, classify(err)
	}
	return result, nil
}

func (d *Dispatcher) push(ctx context.Context, userID int64, args PushArgs) (*syncer.PushResult, error) {
	switch args.Operation {
	case PushUpsert:
		return d.pusher.Resync(ctx, userID, args.EventID)
	case PushDelete:
		return d.pusher.DeleteRemote(ctx, userID, args.RemoteID)
	}
	return nil, fmt.Errorf("unknown push operation %q", args.Operation)
}

func pullOptions(args *PullArgs) syncer.PullOptions {
	var opts syncer.PullOptions
	if args == nil {
		return opts
	}
	if args.TimeMin != nil {
		opts.TimeMin = *args.TimeMin
	}
	if args.TimeMax != nil {
		opts.TimeMax = *args.TimeMax
	}
	opts.MaxResults = args.MaxResults
	return opts
}

// classify marks errors that another attempt cannot fix.
func classify(err error) error {
	var remoteErr *remote.Error
	switch {
	case errors.Is(err, syncer.ErrSyncNotAllowed),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, adapter.ErrMalformed),
		store.IsPermanent(err):
		return queue.Permanent(err)
	case errors.As(err, &remoteErr) && !remoteErr.Temporary():
		return queue.Permanent(err)
	}
	return err
}
