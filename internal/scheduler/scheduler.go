// Package scheduler runs maintenance tasks on fixed intervals for the life of
// the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/metrics"
)

// Task is one periodic job. Run receives a context cancelled on Stop.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the task once immediately instead of waiting a full
	// interval.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

type Scheduler struct {
	tasks []Task
	log   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(log *slog.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, log: log.With(slog.String("component", "scheduler"))}
}

// Add registers a task. It must be called before Start.
func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Start launches one goroutine per task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	for _, t := range s.tasks {
		if t.Interval <= 0 || t.Run == nil {
			return fmt.Errorf("task %q needs an interval and a run func", t.Name)
		}
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	if t.RunAtStart {
		s.runOnce(ctx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

// runOnce executes t and turns a panic into an error.
func (s *Scheduler) runOnce(ctx context.Context, t Task) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		metrics.ObserveScheduler(t.Name, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scheduled task failed", slog.String("task", t.Name),
				slog.Duration("duration", time.Since(start)), slog.Any("error", err))
			return
		}
		s.log.Debug("scheduled task finished", slog.String("task", t.Name), slog.Duration("duration", time.Since(start)))
	}()
	return t.Run(ctx)
}

// RunNow executes the named task synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, t := range s.Tasks() {
		if t.Name == name {
			return s.runOnce(ctx, t)
		}
	}
	return fmt.Errorf("unknown task %q", name)
}
