package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/store"
)

// Enqueuer routes payloads to the sync or webhook queue with default
// priorities and dedupe keys.
type Enqueuer struct {
	sync    *queue.Queue[Payload]
	webhook *queue.Queue[Payload]
}

func NewEnqueuer(syncQ, webhookQ *queue.Queue[Payload]) *Enqueuer {
	return &Enqueuer{sync: syncQ, webhook: webhookQ}
}

// QueueFor returns the queue that carries kind.
func (e *Enqueuer) QueueFor(kind Kind) *queue.Queue[Payload] {
	if kind == KindRenewChannel {
		return e.webhook
	}
	return e.sync
}

// Enqueue validates p and adds it. A zero priority uses the kind default.
func (e *Enqueuer) Enqueue(ctx context.Context, p Payload, priority queue.Priority) (*queue.Handle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if priority == 0 {
		priority = p.Kind.DefaultPriority()
	}
	return e.QueueFor(p.Kind).Enqueue(ctx, p.Kind.String(), p, queue.Options{
		Priority:  priority,
		DedupeKey: p.DedupeKey(),
	})
}

func (e *Enqueuer) Pull(ctx context.Context, userID int64, priority queue.Priority) (*queue.Handle, error) {
	return e.Enqueue(ctx, Payload{Kind: KindPull, UserID: userID}, priority)
}

// ScheduledPull is the recurring pull run for every sync-enabled connection.
func (e *Enqueuer) ScheduledPull(ctx context.Context, userID int64) (*queue.Handle, error) {
	return e.Pull(ctx, userID, queue.PriorityBackground)
}

func (e *Enqueuer) Push(ctx context.Context, userID int64, args PushArgs, priority queue.Priority) (*queue.Handle, error) {
	return e.Enqueue(ctx, Payload{Kind: KindPush, UserID: userID, Push: &args}, priority)
}

// RetryUpsert queues a high-priority push of the event's stored state.
func (e *Enqueuer) RetryUpsert(ctx context.Context, userID, eventID int64) error {
	_, err := e.Push(ctx, userID, PushArgs{Operation: PushUpsert, EventID: eventID}, queue.PriorityHigh)
	return err
}

// RetryDelete queues a high-priority removal of a provider event.
func (e *Enqueuer) RetryDelete(ctx context.Context, userID int64, remoteID string) error {
	_, err := e.Push(ctx, userID, PushArgs{Operation: PushDelete, RemoteID: remoteID}, queue.PriorityHigh)
	return err
}

// Get looks a job up in either queue.
func (e *Enqueuer) Get(ctx context.Context, id string) (*queue.Job, error) {
	job, err := e.sync.Get(ctx, id)
	if err == nil {
		return job, nil
	}
	return e.webhook.Get(ctx, id)
}

// Recorder is the slice of the error ledger that queue hooks report to.
type Recorder interface {
	Record(ctx context.Context, ownerID int64, errType store.ErrorType, message string, metadata json.RawMessage) (*store.SyncError, error)
	Fail(ctx context.Context, id int64, message string) (string, error)
	Resolve(ctx context.Context, id int64) error
}

func decodePayload(job *queue.Job) (Payload, bool) {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.Kind == 0 {
		return p, false
	}
	return p, true
}

// ExhaustedRecorder hands jobs that ran out of attempts to the ledger. A
// fresh failure becomes a new entry whose metadata is the job payload, so
// the Replayer can rebuild it. A replayed job charges the entry it came
// from instead, which is how an entry eventually exhausts its budget.
func ExhaustedRecorder(rec Recorder, log *slog.Logger) queue.ExhaustedFunc {
	return func(ctx context.Context, job *queue.Job, cause error) {
		p, ok := decodePayload(job)
		if !ok {
			log.Error("exhausted job has no payload kind", slog.String("job_id", job.ID), slog.String("name", job.Name))
			return
		}
		msg := fmt.Sprintf("%s job %s failed after %d attempts: %v", p.Kind, job.ID, job.Attempts, cause)
		if p.LedgerID != 0 {
			outcome, err := rec.Fail(ctx, p.LedgerID, msg)
			switch {
			case err == nil:
				log.Info("replayed job failed", slog.String("job_id", job.ID), slog.Int64("ledger_id", p.LedgerID),
					slog.String("outcome", outcome))
				return
			case !errors.Is(err, store.ErrNotFound):
				log.Error("charge ledger entry", slog.String("job_id", job.ID), slog.Int64("ledger_id", p.LedgerID),
					slog.Any("error", err))
				return
			}
			// The entry was archived; start a new one.
			p.LedgerID = 0
		}
		meta, err := json.Marshal(p)
		if err != nil {
			log.Error("encode ledger metadata", slog.String("job_id", job.ID), slog.Any("error", err))
			return
		}
		if _, err := rec.Record(ctx, p.UserID, p.Kind.ErrorType(), msg, meta); err != nil {
			log.Error("record exhausted job", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
}

// CompletedResolver resolves the ledger entry behind a replayed job once
// that job succeeds.
func CompletedResolver(rec Recorder, log *slog.Logger) queue.CompletedFunc {
	return func(ctx context.Context, job *queue.Job) {
		p, ok := decodePayload(job)
		if !ok || p.LedgerID == 0 {
			return
		}
		if err := rec.Resolve(ctx, p.LedgerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("resolve ledger entry", slog.String("job_id", job.ID), slog.Int64("ledger_id", p.LedgerID),
				slog.Any("error", err))
		}
	}
}

// Replayer rebuilds a job from ledger metadata and enqueues it again.
type Replayer struct {
	enq *Enqueuer
}

func NewReplayer(enq *Enqueuer) *Replayer {
	return &Replayer{enq: enq}
}

func (r *Replayer) Replay(ctx context.Context, e store.SyncError) error {
	var p Payload
	if err := json.Unmarshal(e.Metadata, &p); err != nil {
		return fmt.Errorf("decode ledger metadata: %w", err)
	}
	if p.Kind == 0 {
		return fmt.Errorf("ledger entry %d carries no job kind", e.ID)
	}
	if p.UserID == 0 {
		p.UserID = e.OwnerID
	}
	p.LedgerID = e.ID
	_, err := r.enq.Enqueue(ctx, p, 0)
	return err
}
