// Package ledger keeps failed operations that outlived their in-job retries
// and replays them on a slow schedule until they succeed or run out of
// budget.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

var (
	ErrUnknownType     = errors.New("unknown error type")
	ErrAlreadyResolved = errors.New("sync error already resolved")
)

var schedule = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	45 * time.Minute,
	120 * time.Minute,
	360 * time.Minute,
}

// Backoff is the wait before the next replay once retryCount replays have
// failed. It holds at the last step.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[retryCount]
}

// MaxRetries is the replay budget per error type.
func MaxRetries(t store.ErrorType) int {
	switch t {
	case store.ErrorCalendarConnection, store.ErrorTokenRefresh:
		return 3
	default:
		return 5
	}
}

const (
	archiveAfter = 30 * 24 * time.Hour
	dueBatch     = 100
)

// Replayer re-submits the operation described by a ledger entry.
type Replayer interface {
	Replay(ctx context.Context, e store.SyncError) error
}

// SweepResult summarizes one ProcessDue run.
type SweepResult struct {
	Attempted   int `json:"attempted"`
	Replayed    int `json:"replayed"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
}

type Ledger struct {
	repo     store.SyncErrorRepository
	replayer Replayer
	log      *slog.Logger
	now      func() time.Time
}

func New(repo store.SyncErrorRepository, replayer Replayer, log *slog.Logger) *Ledger {
	return &Ledger{
		repo:     repo,
		replayer: replayer,
		log:      log.With(slog.String("component", "ledger")),
		now:      time.Now,
	}
}

// Record stores a failure with the first backoff step. Metadata must be
// enough to replay the operation.
func (l *Ledger) Record(ctx context.Context, ownerID int64, errType store.ErrorType, message string, metadata json.RawMessage) (*store.SyncError, error) {
	if !errType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, errType)
	}
	e, err := l.repo.Create(ctx, store.SyncError{
		OwnerID:     ownerID,
		ErrorType:   errType,
		Message:     message,
		MaxRetries:  MaxRetries(errType),
		NextRetryAt: l.now().UTC().Add(Backoff(0)),
		Metadata:    metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("record sync error: %w", err)
	}
	metrics.ObserveLedger(string(errType), "recorded")
	l.log.Warn("sync error recorded", slog.Int64("id", e.ID), slog.Int64("user_id", ownerID),
		slog.String("type", string(errType)), slog.String("message", message))
	return e, nil
}

// ProcessDue replays every unresolved, under-budget entry whose retry time
// has passed.
func (l *Ledger) ProcessDue(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	due, err := l.repo.ListDue(ctx, l.now().UTC(), dueBatch)
	if err != nil {
		return res, fmt.Errorf("list due sync errors: %w", err)
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++
		switch outcome, err := l.replay(ctx, e); {
		case err != nil:
			l.log.Error("ledger bookkeeping failed", slog.Int64("id", e.ID), slog.Any("error", err))
		case outcome == outcomeReplayed:
			res.Replayed++
		case outcome == outcomeExhausted:
			res.Exhausted++
		default:
			res.Rescheduled++
		}
	}
	if res.Attempted > 0 {
		l.log.Info("ledger sweep finished", slog.Int("attempted", res.Attempted), slog.Int("replayed", res.Replayed),
			slog.Int("rescheduled", res.Rescheduled), slog.Int("exhausted", res.Exhausted))
	}
	return res, nil
}

const (
	outcomeReplayed    = "replayed"
	outcomeRescheduled = "rescheduled"
	outcomeExhausted   = "exhausted"
)

// replay resubmits one entry. A successful hand-off leaves the entry open
// with its retry count unchanged and pushes its retry time one step out; the
// replayed job settles it through Resolve or Fail. The returned error is only
// set when the ledger itself could not be updated.
func (l *Ledger) replay(ctx context.Context, e store.SyncError) (string, error) {
	if replayErr := l.replayer.Replay(ctx, e); replayErr != nil {
		return l.charge(ctx, e, replayErr.Error())
	}
	next := l.now().UTC().Add(Backoff(e.RetryCount))
	if err := l.repo.Reschedule(ctx, e.ID, e.RetryCount, next, ""); err != nil {
		return "", err
	}
	metrics.ObserveLedger(string(e.ErrorType), outcomeReplayed)
	return outcomeReplayed, nil
}

// charge spends one retry of e's budget.
func (l *Ledger) charge(ctx context.Context, e store.SyncError, message string) (string, error) {
	retries := e.RetryCount + 1
	next := l.now().UTC().Add(Backoff(retries))
	if err := l.repo.Reschedule(ctx, e.ID, retries, next, message); err != nil {
		return "", err
	}
	outcome := outcomeRescheduled
	if retries >= e.MaxRetries {
		outcome = outcomeExhausted
		l.log.Error("sync error exhausted", slog.Int64("id", e.ID), slog.Int64("user_id", e.OwnerID),
			slog.String("type", string(e.ErrorType)), slog.String("error", message))
	}
	metrics.ObserveLedger(string(e.ErrorType), outcome)
	return outcome, nil
}

// Resolve closes an entry after its replayed job completed.
func (l *Ledger) Resolve(ctx context.Context, id int64) error {
	e, err := l.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Resolved {
		return nil
	}
	if err := l.repo.MarkResolved(ctx, id, l.now().UTC()); err != nil {
		return fmt.Errorf("resolve sync error: %w", err)
	}
	metrics.ObserveLedger(string(e.ErrorType), "resolved")
	l.log.Info("sync error resolved", slog.Int64("id", id), slog.Int64("user_id", e.OwnerID))
	return nil
}

// Fail charges the entry behind a replayed job that ran out of attempts and
// reports "rescheduled" or "exhausted".
func (l *Ledger) Fail(ctx context.Context, id int64, message string) (string, error) {
	e, err := l.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Resolved {
		return "", ErrAlreadyResolved
	}
	return l.charge(ctx, *e, message)
}

// ForceRetry replays an entry now, ignoring its schedule and budget.
func (l *Ledger) ForceRetry(ctx context.Context, id int64) (*store.SyncError, error) {
	e, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Resolved {
		return nil, ErrAlreadyResolved
	}
	if _, err := l.replay(ctx, *e); err != nil {
		return nil, err
	}
	return l.repo.Get(ctx, id)
}

// Archive hard-deletes resolved or exhausted entries older than 30 days.
func (l *Ledger) Archive(ctx context.Context) (int64, error) {
	n, err := l.repo.DeleteArchivable(ctx, l.now().UTC().Add(-archiveAfter))
	if err != nil {
		return 0, fmt.Errorf("archive sync errors: %w", err)
	}
	if n > 0 {
		l.log.Info("sync errors archived", slog.Int64("count", n))
	}
	return n, nil
}

func (l *Ledger) Get(ctx context.Context, id int64) (*store.SyncError, error) {
	return l.repo.Get(ctx, id)
}

func (l *Ledger) List(ctx context.Context, userID int64, includeResolved bool, limit int) ([]store.SyncError, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.repo.ListByOwner(ctx, userID, includeResolved, limit)
}

func (l *Ledger) Stats(ctx context.Context) (store.SyncErrorStats, error) {
	return l.repo.Stats(ctx)
}
