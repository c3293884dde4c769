// Package queue runs durable, prioritized background jobs with retries,
// deduplication and operator controls.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/metrics"
)

// Options tune a single enqueue. Zero values fall back to the queue Config.
type Options struct {
	Priority  Priority
	Delay     time.Duration
	Attempts  int
	Backoff   *Backoff
	DedupeKey string
}

// Handle identifies an enqueued job.
type Handle struct {
	ID           string `json:"id"`
	Queue        string `json:"queue"`
	Name         string `json:"name"`
	Deduplicated bool   `json:"deduplicated"`
}

// Request is one entry of a bulk enqueue.
type Request[T any] struct {
	Name    string
	Payload T
	Options Options
}

// Handler runs a job. The returned value is stored as the job result.
type Handler[T any] func(ctx context.Context, job *Job, payload T) (any, error)

// ExhaustedFunc observes jobs that failed for good.
type ExhaustedFunc func(ctx context.Context, job *Job, err error)

// CompletedFunc observes jobs that finished successfully.
type CompletedFunc func(ctx context.Context, job *Job)

// anyName registers a handler for every job name without its own handler.
const anyName = "*"

// Queue is a typed view over a Backend for one job category.
type Queue[T any] struct {
	cfg     Config
	backend Backend
	log     *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	handlers    map[string]Handler[T]
	onExhausted ExhaustedFunc
	onCompleted CompletedFunc
}

func New[T any](cfg Config, backend Backend, log *slog.Logger) *Queue[T] {
	cfg = cfg.withDefaults()
	return &Queue[T]{
		cfg:      cfg,
		backend:  backend,
		log:      log.With(slog.String("component", "queue"), slog.String("queue", cfg.Name)),
		now:      time.Now,
		handlers: make(map[string]Handler[T]),
	}
}

func (q *Queue[T]) Name() string { return q.cfg.Name }

// Process registers h for jobs called name. Use "*" as a catch-all.
func (q *Queue[T]) Process(name string, h Handler[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// OnExhausted sets the hook called when a job runs out of attempts.
func (q *Queue[T]) OnExhausted(fn ExhaustedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onExhausted = fn
}

// OnCompleted sets the hook called after a job is stored as completed.
func (q *Queue[T]) OnCompleted(fn CompletedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCompleted = fn
}

func (q *Queue[T]) Enqueue(ctx context.Context, name string, payload T, opts Options) (*Handle, error) {
	job, err := q.build(name, payload, opts)
	if err != nil {
		return nil, err
	}
	stored, dedup, err := q.backend.Add(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}
	if dedup {
		q.log.Debug("job deduplicated", slog.String("name", name), slog.String("dedupe_key", opts.DedupeKey), slog.String("job_id", stored.ID))
	}
	return &Handle{ID: stored.ID, Queue: stored.Queue, Name: stored.Name, Deduplicated: dedup}, nil
}

// EnqueueBulk adds every request and stops at the first failure.
func (q *Queue[T]) EnqueueBulk(ctx context.Context, reqs []Request[T]) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(reqs))
	for _, r := range reqs {
		h, err := q.Enqueue(ctx, r.Name, r.Payload, r.Options)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (q *Queue[T]) build(name string, payload T, opts Options) (Job, error) {
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode payload: %w", err)
	}
	now := q.now().UTC()
	job := Job{
		ID:          uuid.NewString(),
		Queue:       q.cfg.Name,
		Name:        name,
		Payload:     raw,
		Priority:    opts.Priority,
		State:       StateWaiting,
		MaxAttempts: opts.Attempts,
		Backoff:     q.cfg.DefaultBackoff,
		DedupeKey:   opts.DedupeKey,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.Priority == 0 {
		job.Priority = q.cfg.DefaultPriority
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.DefaultAttempts
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(opts.Delay)
	}
	return job, nil
}

// Run starts Concurrency workers and blocks until ctx is cancelled and all
// in-flight jobs have finished.
func (q *Queue[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker)
		}(i)
	}
	q.log.Info("workers started", slog.Int("concurrency", q.cfg.Concurrency))
	wg.Wait()
	q.log.Info("workers stopped")
}

func (q *Queue[T]) work(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		ran, err := q.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Error("process job", slog.Int("worker", worker), slog.Any("error", err))
		}
		if ran && err == nil {
			timer.Reset(0)
			continue
		}
		timer.Reset(q.cfg.PollInterval)
	}
}

// ProcessNext claims and runs one job. It reports whether a job was claimed.
func (q *Queue[T]) ProcessNext(ctx context.Context) (bool, error) {
	now := q.now().UTC()
	job, err := q.backend.Claim(ctx, q.cfg.Name, now, now.Add(q.cfg.Lease))
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, q.execute(ctx, job)
}

func (q *Queue[T]) execute(ctx context.Context, job *Job) error {
	start := q.now()
	log := q.log.With(slog.String("job_id", job.ID), slog.String("name", job.Name), slog.Int("attempt", job.Attempts))

	result, runErr := q.invoke(ctx, job)
	// The outcome is stored even when shutdown cancelled ctx mid-job.
	bg := context.WithoutCancel(ctx)
	at := q.now().UTC()
	if runErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			raw = nil
		}
		if err := q.backend.Complete(bg, job.ID, job.Attempts, raw, at); err != nil {
			return fmt.Errorf("complete %s: %w", job.ID, err)
		}
		metrics.ObserveJob(q.cfg.Name, "completed", start)
		log.Debug("job completed", slog.Duration("duration", at.Sub(start)))

		q.mu.RLock()
		hook := q.onCompleted
		q.mu.RUnlock()
		if hook != nil {
			job.State = StateCompleted
			job.Result = raw
			hook(bg, job)
		}
		return nil
	}

	if ctx.Err() != nil && !IsPermanent(runErr) {
		// Interrupted by shutdown: run again as soon as a worker is back.
		if err := q.backend.Fail(bg, job.ID, job.Attempts, runErr.Error(), &at, at); err != nil {
			return fmt.Errorf("release %s: %w", job.ID, err)
		}
		metrics.ObserveJob(q.cfg.Name, "interrupted", start)
		log.Warn("job interrupted", slog.Any("error", runErr))
		return nil
	}

	if job.Attempts < job.MaxAttempts && !IsPermanent(runErr) {
		retryAt := at.Add(job.Backoff.Next(job.Attempts))
		if err := q.backend.Fail(bg, job.ID, job.Attempts, runErr.Error(), &retryAt, at); err != nil {
			return fmt.Errorf("reschedule %s: %w", job.ID, err)
		}
		metrics.ObserveJob(q.cfg.Name, "retried", start)
		log.Warn("job failed, retrying", slog.Time("retry_at", retryAt), slog.Any("error", runErr))
		return nil
	}

	if err := q.backend.Fail(bg, job.ID, job.Attempts, runErr.Error(), nil, at); err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	metrics.ObserveJob(q.cfg.Name, "failed", start)
	log.Error("job failed permanently", slog.Any("error", runErr))

	q.mu.RLock()
	hook := q.onExhausted
	q.mu.RUnlock()
	if hook != nil {
		job.State = StateFailed
		job.LastError = runErr.Error()
		hook(bg, job, runErr)
	}
	return nil
}

// invoke decodes the payload and calls the handler, turning panics into
// errors.
func (q *Queue[T]) invoke(ctx context.Context, job *Job) (result any, err error) {
	q.mu.RLock()
	h, ok := q.handlers[job.Name]
	if !ok {
		h, ok = q.handlers[anyName]
	}
	q.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler for job %q", job.Name))
	}

	var payload T
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("decode payload: %w", err))
	}

	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job panicked", slog.String("job_id", job.ID), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job, payload)
}

func (q *Queue[T]) Get(ctx context.Context, id string) (*Job, error) {
	job, err := q.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Queue != q.cfg.Name {
		return nil, ErrNotFound
	}
	return job, nil
}

func (q *Queue[T]) Counts(ctx context.Context) (Counts, error) {
	return q.backend.Counts(ctx, q.cfg.Name)
}

func (q *Queue[T]) Pause(ctx context.Context) error {
	q.log.Info("queue paused")
	return q.backend.SetPaused(ctx, q.cfg.Name, true)
}

func (q *Queue[T]) Resume(ctx context.Context) error {
	q.log.Info("queue resumed")
	return q.backend.SetPaused(ctx, q.cfg.Name, false)
}

// Retry re-queues a failed job.
func (q *Queue[T]) Retry(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return q.backend.Retry(ctx, id, q.now().UTC())
}

// Remove cancels a job that has not started.
func (q *Queue[T]) Remove(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return q.backend.Remove(ctx, id)
}

// Clean deletes jobs in state that finished more than olderThan ago.
func (q *Queue[T]) Clean(ctx context.Context, state State, olderThan time.Duration) (int64, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, fmt.Errorf("%w: clean only applies to completed or failed jobs", ErrInvalidState)
	}
	return q.backend.Clean(ctx, q.cfg.Name, state, q.now().UTC().Add(-olderThan))
}

// CleanFinished applies the configured retention to completed and failed jobs.
func (q *Queue[T]) CleanFinished(ctx context.Context) (int64, error) {
	completed, err := q.Clean(ctx, StateCompleted, q.cfg.KeepCompleted)
	if err != nil {
		return 0, err
	}
	failed, err := q.Clean(ctx, StateFailed, q.cfg.KeepFailed)
	if err != nil {
		return completed, err
	}
	return completed + failed, nil
}

func (q *Queue[T]) Health(ctx context.Context) (Health, error) {
	counts, err := q.Counts(ctx)
	if err != nil {
		return Health{}, err
	}
	paused, err := q.backend.Paused(ctx, q.cfg.Name)
	if err != nil {
		return Health{}, err
	}
	return newHealth(q.cfg.Name, counts, paused), nil
}
