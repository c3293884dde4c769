// Package syncer reconciles local events with the remote provider.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jw6ventures/calsync/internal/gate"
)

// ErrSyncNotAllowed is returned by operations that cannot proceed without a
// usable connection. The wrapped message carries the gate reason.
var ErrSyncNotAllowed = errors.New("sync not allowed")

// Gate is the capability check consulted before any remote call.
type Gate interface {
	CanSync(ctx context.Context, userID int64) gate.Decision
}

// Options tune the pull pipeline.
type Options struct {
	BatchSize      int
	MaxConcurrency int
	MaxAttempts    int
	BatchDelay     time.Duration
	MaxResults     int
	PullPast       time.Duration
	PullAhead      time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:      50,
		MaxConcurrency: 10,
		MaxAttempts:    3,
		BatchDelay:     100 * time.Millisecond,
		MaxResults:     2500,
		PullPast:       30 * 24 * time.Hour,
		PullAhead:      180 * 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.MaxResults <= 0 {
		o.MaxResults = d.MaxResults
	}
	if o.PullPast <= 0 {
		o.PullPast = d.PullPast
	}
	if o.PullAhead <= 0 {
		o.PullAhead = d.PullAhead
	}
	return o
}

// notAllowed wraps ErrSyncNotAllowed only for definite refusals so callers
// retry when the check itself could not complete.
func notAllowed(d gate.Decision) error {
	if d.Transient {
		return fmt.Errorf("sync check unavailable: %s", d.Reason)
	}
	return fmt.Errorf("%w: %s", ErrSyncNotAllowed, d.Reason)
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryDelay is 2^(attempt-1) seconds for attempt >= 1.
func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// retry runs fn up to attempts times, sleeping retryDelay between tries.
// Errors for which retryable returns false end the loop immediately.
func retry(ctx context.Context, attempts int, sleep sleepFunc, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			return err
		}
		if serr := sleep(ctx, retryDelay(attempt)); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}
