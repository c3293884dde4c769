package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("job is not in a state that allows this operation")
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Pending reports whether the job still holds its dedupe key.
func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// Priority orders claims; lower runs first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 3
	PriorityMedium     Priority = 5
	PriorityLow        Priority = 7
	PriorityBackground Priority = 10
)

var priorityNames = map[string]Priority{
	"critical":   PriorityCritical,
	"high":       PriorityHigh,
	"medium":     PriorityMedium,
	"low":        PriorityLow,
	"background": PriorityBackground,
}

// ParsePriority maps a priority hint to its level. An empty hint is zero,
// which callers treat as "use the default".
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return 0, nil
	}
	if p, ok := priorityNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff computes the delay before a failed attempt is retried.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the wait after the given (1-based) failed attempt.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}

// Job is the persisted unit of work. Payload is the JSON encoding of the
// queue's payload type.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
	RunAt       time.Time       `json:"runAt"`
	LockedUntil *time.Time      `json:"lockedUntil,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Counts breaks a queue down by state. Waiting jobs of a paused queue are
// reported as Paused.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

func (c *Counts) add(state State, n int, paused bool) {
	switch state {
	case StateWaiting:
		if paused {
			c.Paused += n
		} else {
			c.Waiting += n
		}
	case StateDelayed:
		c.Delayed += n
	case StateActive:
		c.Active += n
	case StateCompleted:
		c.Completed += n
	case StateFailed:
		c.Failed += n
	}
}

// Health summarizes a queue for operators.
type Health struct {
	Queue     string  `json:"queue"`
	Counts    Counts  `json:"counts"`
	Paused    bool    `json:"paused"`
	ErrorRate float64 `json:"errorRate"`
	Healthy   bool    `json:"healthy"`
}

// unhealthyErrorRate is the failed/(completed+failed) ratio above which a
// queue reports unhealthy.
const unhealthyErrorRate = 0.25

func newHealth(queue string, c Counts, paused bool) Health {
	h := Health{Queue: queue, Counts: c, Paused: paused}
	if done := c.Completed + c.Failed; done > 0 {
		h.ErrorRate = float64(c.Failed) / float64(done)
	}
	h.Healthy = !paused && h.ErrorRate < unhealthyErrorRate
	return h
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
