package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jw6ventures/calsync/internal/logging"
)

type testPayload struct {
	UserID int64  `json:"userId"`
	Note   string `json:"note,omitempty"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue[testPayload], *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg := SyncConfig()
	cfg.DefaultBackoff = Backoff{Type: BackoffExponential, Delay: time.Second}
	q := New[testPayload](cfg, NewMemoryBackend(), logging.Discard())
	q.now = clk.Now
	return q, clk
}

func TestEnqueueAndProcess(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var got testPayload
	q.Process("pull", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		got = p
		return map[string]int{"synced": 3}, nil
	})

	h, err := q.Enqueue(ctx, "pull", testPayload{UserID: 7}, Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if h.Deduplicated || h.Queue != "calendar-sync" {
		t.Fatalf("handle = %+v", h)
	}

	ran, err := q.ProcessNext(ctx)
	if err != nil || !ran {
		t.Fatalf("ProcessNext() = %v, %v", ran, err)
	}
	if got.UserID != 7 {
		t.Fatalf("handler payload = %+v", got)
	}
	job, err := q.Get(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateCompleted || job.Attempts != 1 || string(job.Result) != `{"synced":3}` {
		t.Fatalf("job = %+v", job)
	}
	if ran, _ := q.ProcessNext(ctx); ran {
		t.Fatal("expected empty queue")
	}
}

func TestEnqueueDeduplicatesPendingJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Process("*", func(ctx context.Context, job *Job, p testPayload) (any, error) { return nil, nil })

	first, err := q.Enqueue(ctx, "full-sync", testPayload{UserID: 1}, Options{DedupeKey: "full-sync-1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, "full-sync", testPayload{UserID: 1}, Options{DedupeKey: "full-sync-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Deduplicated || second.ID != first.ID {
		t.Fatalf("second = %+v, want dedup of %s", second, first.ID)
	}
	other, _ := q.Enqueue(ctx, "full-sync", testPayload{UserID: 2}, Options{DedupeKey: "full-sync-2"})
	if other.Deduplicated {
		t.Fatal("different key deduplicated")
	}

	for {
		ran, err := q.ProcessNext(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ran {
			break
		}
	}
	third, err := q.Enqueue(ctx, "full-sync", testPayload{UserID: 1}, Options{DedupeKey: "full-sync-1"})
	if err != nil {
		t.Fatal(err)
	}
	if third.Deduplicated || third.ID == first.ID {
		t.Fatal("finished job still held its dedupe key")
	}
}

func TestClaimOrdersByPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var order []string
	q.Process("*", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		order = append(order, p.Note)
		return nil, nil
	})
	for _, e := range []struct {
		note string
		prio Priority
	}{
		{"background", PriorityBackground},
		{"medium", 0},
		{"critical", PriorityCritical},
		{"high", PriorityHigh},
		{"low", PriorityLow},
	} {
		if _, err := q.Enqueue(ctx, "job", testPayload{Note: e.note}, Options{Priority: e.prio}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := q.ProcessNext(ctx); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"critical", "high", "medium", "low", "background"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRetryBackoffThenExhausted(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	q.Process("push", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		return nil, errors.New("provider unavailable")
	})
	var exhausted []*Job
	q.OnExhausted(func(ctx context.Context, job *Job, err error) { exhausted = append(exhausted, job) })

	h, _ := q.Enqueue(ctx, "push", testPayload{UserID: 1}, Options{Attempts: 3})

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, d := range wantDelays {
		if ran, err := q.ProcessNext(ctx); !ran || err != nil {
			t.Fatalf("attempt %d: ran=%v err=%v", i+1, ran, err)
		}
		job, _ := q.Get(ctx, h.ID)
		if job.State != StateDelayed || !job.RunAt.Equal(clk.Now().Add(d)) {
			t.Fatalf("attempt %d: job = %+v, want delayed by %v", i+1, job, d)
		}
		if ran, _ := q.ProcessNext(ctx); ran {
			t.Fatalf("attempt %d: delayed job claimed early", i+1)
		}
		clk.Advance(d)
	}

	if ran, err := q.ProcessNext(ctx); !ran || err != nil {
		t.Fatalf("final attempt: ran=%v err=%v", ran, err)
	}
	job, _ := q.Get(ctx, h.ID)
	if job.State != StateFailed || job.Attempts != 3 || job.LastError != "provider unavailable" {
		t.Fatalf("job = %+v", job)
	}
	if len(exhausted) != 1 || exhausted[0].ID != h.ID {
		t.Fatalf("exhausted = %v", exhausted)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Process("push", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		return nil, Permanent(errors.New("bad input"))
	})

	h, _ := q.Enqueue(ctx, "push", testPayload{}, Options{Attempts: 5})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Get(ctx, h.ID)
	if job.State != StateFailed || job.Attempts != 1 {
		t.Fatalf("job = %+v", job)
	}
}

func TestUnknownJobNameFails(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	h, _ := q.Enqueue(ctx, "mystery", testPayload{}, Options{})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	if job, _ := q.Get(ctx, h.ID); job.State != StateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Process("boom", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		panic("nil map")
	})

	h, _ := q.Enqueue(ctx, "boom", testPayload{}, Options{})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	job, _ := q.Get(ctx, h.ID)
	if job.State != StateDelayed || job.LastError != "job panicked: nil map" {
		t.Fatalf("job = %+v", job)
	}
}

func TestDelayedEnqueue(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	q.Process("*", func(ctx context.Context, job *Job, p testPayload) (any, error) { return nil, nil })

	h, _ := q.Enqueue(ctx, "pull", testPayload{}, Options{Delay: time.Minute})
	counts, _ := q.Counts(ctx)
	if counts.Delayed != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	if ran, _ := q.ProcessNext(ctx); ran {
		t.Fatal("delayed job ran early")
	}
	clk.Advance(time.Minute)
	if ran, _ := q.ProcessNext(ctx); !ran {
		t.Fatal("delayed job not claimed once due")
	}
	if job, _ := q.Get(ctx, h.ID); job.State != StateCompleted {
		t.Fatalf("state = %s", job.State)
	}
}

func TestPauseResume(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Process("*", func(ctx context.Context, job *Job, p testPayload) (any, error) { return nil, nil })

	if _, err := q.Enqueue(ctx, "pull", testPayload{}, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if ran, _ := q.ProcessNext(ctx); ran {
		t.Fatal("paused queue ran a job")
	}
	counts, _ := q.Counts(ctx)
	if counts.Paused != 1 || counts.Waiting != 0 {
		t.Fatalf("counts = %+v", counts)
	}
	health, _ := q.Health(ctx)
	if !health.Paused || health.Healthy {
		t.Fatalf("health = %+v", health)
	}

	if err := q.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if ran, _ := q.ProcessNext(ctx); !ran {
		t.Fatal("resumed queue did not run the job")
	}
}

func TestRemoveOnlyPendingJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Process("*", func(ctx context.Context, job *Job, p testPayload) (any, error) { return nil, nil })

	waiting, _ := q.Enqueue(ctx, "pull", testPayload{}, Options{Delay: time.Hour})
	if err := q.Remove(ctx, waiting.ID); err != nil {
		t.Fatalf("Remove(delayed) error = %v", err)
	}
	if _, err := q.Get(ctx, waiting.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed job still present: %v", err)
	}

	done, _ := q.Enqueue(ctx, "pull", testPayload{}, Options{})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, done.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Remove(completed) error = %v, want ErrInvalidState", err)
	}
	if err := q.Remove(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRetryFailedJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	fail := true
	q.Process("push", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		if fail {
			return nil, Permanent(errors.New("nope"))
		}
		return nil, nil
	})

	h, _ := q.Enqueue(ctx, "push", testPayload{}, Options{})
	if err := q.Retry(ctx, h.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Retry(waiting) error = %v", err)
	}
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Retry(ctx, h.ID); err != nil {
		t.Fatalf("Retry(failed) error = %v", err)
	}
	job, _ := q.Get(ctx, h.ID)
	if job.State != StateWaiting || job.Attempts != 0 {
		t.Fatalf("job = %+v", job)
	}
	fail = false
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	if job, _ := q.Get(ctx, h.ID); job.State != StateCompleted {
		t.Fatalf("state = %s", job.State)
	}
}

func TestCleanAndHealth(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	q.Process("ok", func(ctx context.Context, job *Job, p testPayload) (any, error) { return nil, nil })
	q.Process("bad", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		return nil, Permanent(errors.New("bad"))
	})

	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, "ok", testPayload{}, Options{})
	}
	q.Enqueue(ctx, "bad", testPayload{}, Options{})
	for i := 0; i < 4; i++ {
		if _, err := q.ProcessNext(ctx); err != nil {
			t.Fatal(err)
		}
	}

	health, err := q.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if health.Counts.Completed != 3 || health.Counts.Failed != 1 || health.ErrorRate != 0.25 || health.Healthy {
		t.Fatalf("health = %+v", health)
	}

	if _, err := q.Clean(ctx, StateWaiting, time.Hour); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Clean(waiting) error = %v", err)
	}
	clk.Advance(2 * time.Hour)
	n, err := q.Clean(ctx, StateCompleted, time.Hour)
	if err != nil || n != 3 {
		t.Fatalf("Clean(completed) = %d, %v", n, err)
	}
	if n, _ := q.CleanFinished(ctx); n != 0 {
		t.Fatalf("CleanFinished removed %d jobs inside retention", n)
	}
	clk.Advance(8 * 24 * time.Hour)
	if n, _ := q.CleanFinished(ctx); n != 1 {
		t.Fatalf("CleanFinished = %d, want 1", n)
	}
}

func TestQueuesShareBackendWithoutCrossTalk(t *testing.T) {
	backend := NewMemoryBackend()
	syncQ := New[testPayload](SyncConfig(), backend, logging.Discard())
	mailQ := New[testPayload](EmailConfig(), backend, logging.Discard())
	ctx := context.Background()

	h, _ := mailQ.Enqueue(ctx, "digest", testPayload{UserID: 3}, Options{})
	if ran, _ := syncQ.ProcessNext(ctx); ran {
		t.Fatal("sync queue claimed an email job")
	}
	if _, err := syncQ.Get(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sync queue exposed email job: %v", err)
	}
	job, _ := mailQ.Get(ctx, h.ID)
	if job.Priority != PriorityLow || job.Backoff.Type != BackoffFixed {
		t.Fatalf("email defaults not applied: %+v", job)
	}
}

func TestEnqueueBulk(t *testing.T) {
	q, _ := newTestQueue(t)
	handles, err := q.EnqueueBulk(context.Background(), []Request[testPayload]{
		{Name: "pull", Payload: testPayload{UserID: 1}, Options: Options{DedupeKey: "pull-1"}},
		{Name: "pull", Payload: testPayload{UserID: 1}, Options: Options{DedupeKey: "pull-1"}},
		{Name: "pull", Payload: testPayload{UserID: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 3 || !handles[1].Deduplicated || handles[2].Deduplicated {
		t.Fatalf("handles = %+v", handles)
	}
	if _, err := q.EnqueueBulk(context.Background(), []Request[testPayload]{{Name: ""}}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRunDrainsQueue(t *testing.T) {
	cfg := SyncConfig()
	cfg.Concurrency = 3
	cfg.PollInterval = 5 * time.Millisecond
	q := New[testPayload](cfg, NewMemoryBackend(), logging.Discard())

	var handled atomic.Int32
	q.Process("pull", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		handled.Add(1)
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(context.Background(), "pull", testPayload{UserID: int64(i)}, Options{}); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for handled.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if got := handled.Load(); got != 10 {
		t.Fatalf("handled = %d, want 10", got)
	}
}

func TestBackoffNext(t *testing.T) {
	testCases := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"fixed", Backoff{Type: BackoffFixed, Delay: time.Minute}, 4, time.Minute},
		{"exponential first", Backoff{Type: BackoffExponential, Delay: time.Second}, 1, time.Second},
		{"exponential third", Backoff{Type: BackoffExponential, Delay: time.Second}, 3, 4 * time.Second},
		{"exponential capped", Backoff{Type: BackoffExponential, Delay: time.Hour}, 20, 24 * time.Hour},
		{"zero attempt", Backoff{Type: BackoffExponential, Delay: time.Second}, 0, time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.backoff.Next(tc.attempt); got != tc.want {
				t.Errorf("Next(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestBuildBackend(t *testing.T) {
	b, err := BuildBackend(context.Background(), "memory://")
	if err != nil {
		t.Fatalf("BuildBackend(memory) error = %v", err)
	}
	if _, ok := b.(*MemoryBackend); !ok {
		t.Fatalf("backend = %T", b)
	}
	if _, err := BuildBackend(context.Background(), "redis://localhost"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	if _, err := BuildBackend(context.Background(), " "); err == nil {
		t.Fatal("expected empty dsn error")
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	backend := NewMemoryBackend()
	clk := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	crashed := New[testPayload](SyncConfig(), backend, logging.Discard())
	crashed.now = clk.Now
	ctx := context.Background()

	h, err := crashed.Enqueue(ctx, "full-sync", testPayload{UserID: 1}, Options{DedupeKey: "full-sync-1"})
	if err != nil {
		t.Fatal(err)
	}
	// Claimed by a worker that never reports back.
	if _, err := backend.Claim(ctx, "calendar-sync", clk.Now(), clk.Now().Add(SyncConfig().Lease)); err != nil {
		t.Fatal(err)
	}

	restarted := New[testPayload](SyncConfig(), backend, logging.Discard())
	restarted.now = clk.Now
	var ran int
	restarted.Process("full-sync", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		ran++
		return nil, nil
	})

	if ok, _ := restarted.ProcessNext(ctx); ok {
		t.Fatal("job claimed while its lease was still held")
	}
	clk.Advance(SyncConfig().Lease)
	if ok, err := restarted.ProcessNext(ctx); !ok || err != nil {
		t.Fatalf("ProcessNext() = %v, %v", ok, err)
	}
	job, _ := restarted.Get(ctx, h.ID)
	if ran != 1 || job.State != StateCompleted || job.Attempts != 2 || job.LockedUntil != nil {
		t.Fatalf("ran = %d job = %+v", ran, job)
	}

	again, err := restarted.Enqueue(ctx, "full-sync", testPayload{UserID: 1}, Options{DedupeKey: "full-sync-1"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Deduplicated {
		t.Fatal("dedupe key still held after the reclaimed job finished")
	}
}

func TestStaleAttemptCannotFinishReclaimedJob(t *testing.T) {
	backend := NewMemoryBackend()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	q := New[testPayload](SyncConfig(), backend, logging.Discard())
	q.now = func() time.Time { return now }
	ctx := context.Background()

	h, _ := q.Enqueue(ctx, "pull", testPayload{}, Options{})
	first, _ := backend.Claim(ctx, "calendar-sync", now, now.Add(time.Minute))
	second, _ := backend.Claim(ctx, "calendar-sync", now.Add(time.Minute), now.Add(2*time.Minute))
	if first == nil || second == nil || second.ID != h.ID || second.Attempts != 2 {
		t.Fatalf("first = %+v second = %+v", first, second)
	}
	if err := backend.Complete(ctx, h.ID, first.Attempts, nil, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stale Complete() error = %v, want ErrInvalidState", err)
	}
	if err := backend.Complete(ctx, h.ID, second.Attempts, nil, now); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
}

// strictBackend refuses writes on a cancelled context, as pgx does.
type strictBackend struct {
	*MemoryBackend
}

func (b strictBackend) Complete(ctx context.Context, id string, attempt int, result json.RawMessage, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.MemoryBackend.Complete(ctx, id, attempt, result, at)
}

func (b strictBackend) Fail(ctx context.Context, id string, attempt int, message string, retryAt *time.Time, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.MemoryBackend.Fail(ctx, id, attempt, message, retryAt, at)
}

func TestOutcomeStoredAfterShutdown(t *testing.T) {
	q := New[testPayload](SyncConfig(), strictBackend{NewMemoryBackend()}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	q.Process("ok", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		cancel()
		return nil, nil
	})
	q.Process("slow", func(ctx context.Context, job *Job, p testPayload) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done, _ := q.Enqueue(context.Background(), "ok", testPayload{}, Options{})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	if job, _ := q.Get(context.Background(), done.ID); job.State != StateCompleted {
		t.Fatalf("state after cancel = %s, want completed", job.State)
	}

	interrupted, _ := q.Enqueue(context.Background(), "slow", testPayload{}, Options{Attempts: 1})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	job, _ := q.Get(context.Background(), interrupted.ID)
	if job.State != StateDelayed || job.LockedUntil != nil {
		t.Fatalf("interrupted job = %+v, want delayed for another run", job)
	}
}

func TestOnCompletedHook(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Process("pull", func(ctx context.Context, job *Job, p testPayload) (any, error) { return "ok", nil })
	var completed []string
	q.OnCompleted(func(ctx context.Context, job *Job) { completed = append(completed, job.ID) })

	h, _ := q.Enqueue(ctx, "pull", testPayload{}, Options{})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0] != h.ID {
		t.Fatalf("completed = %v", completed)
	}
}
