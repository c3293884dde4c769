package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process. It is used by tests and by
// single-instance deployments configured with a memory:// queue DSN.
type MemoryBackend struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	order  map[string]int64
	seq    int64
	paused map[string]bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:   make(map[string]*Job),
		order:  make(map[string]int64),
		paused: make(map[string]bool),
	}
}

func clone(j *Job) *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

func (m *MemoryBackend) Add(ctx context.Context, job Job) (*Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.DedupeKey != "" {
		for _, existing := range m.jobs {
			if existing.Queue == job.Queue && existing.DedupeKey == job.DedupeKey && existing.State.Pending() {
				return clone(existing), true, nil
			}
		}
	}
	m.seq++
	stored := clone(&job)
	m.jobs[job.ID] = stored
	m.order[job.ID] = m.seq
	return clone(stored), false, nil
}

func (m *MemoryBackend) Claim(ctx context.Context, queue string, now, lockedUntil time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused[queue] {
		return nil, nil
	}
	var next *Job
	for _, j := range m.jobs {
		if j.Queue != queue || !runnable(j, now) {
			continue
		}
		if next == nil || m.before(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = StateActive
	next.Attempts++
	next.UpdatedAt = now
	next.LockedUntil = &lockedUntil
	return clone(next), nil
}

func runnable(j *Job, now time.Time) bool {
	switch j.State {
	case StateWaiting, StateDelayed:
		return !j.RunAt.After(now)
	case StateActive:
		return j.LockedUntil != nil && !j.LockedUntil.After(now)
	}
	return false
}

// before orders by priority, then run time, then insertion.
func (m *MemoryBackend) before(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return m.order[a.ID] < m.order[b.ID]
}

func (m *MemoryBackend) active(id string, attempt int) (*Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateActive || j.Attempts != attempt {
		return nil, ErrInvalidState
	}
	return j, nil
}

func (m *MemoryBackend) Complete(ctx context.Context, id string, attempt int, result json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.active(id, attempt)
	if err != nil {
		return err
	}
	j.State = StateCompleted
	j.Result = append(json.RawMessage(nil), result...)
	j.LastError = ""
	j.UpdatedAt = at
	j.FinishedAt = &at
	j.LockedUntil = nil
	return nil
}

func (m *MemoryBackend) Fail(ctx context.Context, id string, attempt int, message string, retryAt *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.active(id, attempt)
	if err != nil {
		return err
	}
	j.LastError = message
	j.UpdatedAt = at
	j.LockedUntil = nil
	if retryAt != nil {
		j.State = StateDelayed
		j.RunAt = *retryAt
		return nil
	}
	j.State = StateFailed
	j.FinishedAt = &at
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

func (m *MemoryBackend) Counts(ctx context.Context, queue string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, j := range m.jobs {
		if j.Queue == queue {
			c.add(j.State, 1, m.paused[queue])
		}
	}
	return c, nil
}

func (m *MemoryBackend) SetPaused(ctx context.Context, queue string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queue] = paused
	return nil
}

func (m *MemoryBackend) Paused(ctx context.Context, queue string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[queue], nil
}

func (m *MemoryBackend) Retry(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateFailed {
		return ErrInvalidState
	}
	j.State = StateWaiting
	j.Attempts = 0
	j.RunAt = now
	j.UpdatedAt = now
	j.FinishedAt = nil
	return nil
}

func (m *MemoryBackend) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateWaiting && j.State != StateDelayed {
		return ErrInvalidState
	}
	delete(m.jobs, id)
	delete(m.order, id)
	return nil
}

func (m *MemoryBackend) Clean(ctx context.Context, queue string, state State, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Queue != queue || j.State != state {
			continue
		}
		finished := j.UpdatedAt
		if j.FinishedAt != nil {
			finished = *j.FinishedAt
		}
		if finished.Before(before) {
			delete(m.jobs, id)
			delete(m.order, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)
