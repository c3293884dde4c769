package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/ledger"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/webhook"
)

type ChannelMaintainer interface {
	RenewExpiring(ctx context.Context) (webhook.RenewalResult, error)
	CleanupExpired(ctx context.Context) (int64, error)
	ValidateCredentials(ctx context.Context) (int, error)
}

type LedgerSweeper interface {
	ProcessDue(ctx context.Context) (ledger.SweepResult, error)
	Archive(ctx context.Context) (int64, error)
}

type QueueCleaner interface {
	Name() string
	CleanFinished(ctx context.Context) (int64, error)
}

type SyncableLister interface {
	ListSyncable(ctx context.Context) ([]store.Connection, error)
}

type ScheduledPuller interface {
	ScheduledPull(ctx context.Context, userID int64) (*queue.Handle, error)
}

// Maintenance holds the collaborators behind the standard task set.
type Maintenance struct {
	Channels    ChannelMaintainer
	Ledger      LedgerSweeper
	Queues      []QueueCleaner
	Connections SyncableLister
	Pulls       ScheduledPuller
	Log         *slog.Logger

	// PullInterval spaces scheduled pulls; zero means hourly.
	PullInterval time.Duration
}

// Tasks returns the standard maintenance task list.
func (m Maintenance) Tasks() []Task {
	pullEvery := m.PullInterval
	if pullEvery <= 0 {
		pullEvery = time.Hour
	}
	return []Task{
		{Name: "webhook-renewal", Interval: 6 * time.Hour, RunAtStart: true, Run: func(ctx context.Context) error {
			_, err := m.Channels.RenewExpiring(ctx)
			return err
		}},
		{Name: "webhook-cleanup", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
			_, err := m.Channels.CleanupExpired(ctx)
			return err
		}},
		{Name: "credential-validation", Interval: 12 * time.Hour, Run: func(ctx context.Context) error {
			_, err := m.Channels.ValidateCredentials(ctx)
			return err
		}},
		{Name: "ledger-sweep", Interval: 30 * time.Minute, Run: func(ctx context.Context) error {
			_, err := m.Ledger.ProcessDue(ctx)
			return err
		}},
		{Name: "ledger-archive", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
			_, err := m.Ledger.Archive(ctx)
			return err
		}},
		{Name: "queue-cleanup", Interval: 24 * time.Hour, Run: m.cleanQueues},
		{Name: "scheduled-pulls", Interval: pullEvery, Run: m.schedulePulls},
	}
}

func (m Maintenance) cleanQueues(ctx context.Context) error {
	var errs []error
	for _, q := range m.Queues {
		n, err := q.CleanFinished(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 && m.Log != nil {
			m.Log.Info("queue cleaned", slog.String("queue", q.Name()), slog.Int64("removed", n))
		}
	}
	return errors.Join(errs...)
}

// schedulePulls enqueues one background pull per sync-enabled connection.
// Dedupe keys collapse it with any pull that is already pending.
func (m Maintenance) schedulePulls(ctx context.Context) error {
	conns, err := m.Connections.ListSyncable(ctx)
	if err != nil {
		return err
	}
	var errs []error
	queued := 0
	for _, c := range conns {
		h, err := m.Pulls.ScheduledPull(ctx, c.OwnerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !h.Deduplicated {
			queued++
		}
	}
	if m.Log != nil {
		m.Log.Info("scheduled pulls queued", slog.Int("connections", len(conns)), slog.Int("queued", queued))
	}
	return errors.Join(errs...)
}
