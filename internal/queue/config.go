package queue

import "time"

// Config describes one job category. Queues share the worker and storage
// machinery and differ only by these settings.
type Config struct {
	Name            string
	Concurrency     int
	PollInterval    time.Duration
	DefaultPriority Priority
	DefaultAttempts int
	DefaultBackoff  Backoff
	// Lease is how long a claimed job may run before another worker may
	// take it over. It must outlast the slowest handler.
	Lease           time.Duration
	KeepCompleted   time.Duration
	KeepFailed      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = PriorityMedium
	}
	if c.DefaultAttempts <= 0 {
		c.DefaultAttempts = 3
	}
	if c.DefaultBackoff.Type == "" {
		c.DefaultBackoff = Backoff{Type: BackoffExponential, Delay: time.Second}
	}
	if c.Lease <= 0 {
		c.Lease = 15 * time.Minute
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 24 * time.Hour
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 7 * 24 * time.Hour
	}
	return c
}

// SyncConfig covers pull, push and initial-sync work.
func SyncConfig() Config {
	return Config{
		Name:            "calendar-sync",
		Concurrency:     4,
		DefaultPriority: PriorityMedium,
		DefaultAttempts: 3,
		DefaultBackoff:  Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
		Lease:           30 * time.Minute,
		KeepCompleted:   24 * time.Hour,
		KeepFailed:      7 * 24 * time.Hour,
	}
}

// WebhookConfig covers channel renewal work.
func WebhookConfig() Config {
	return Config{
		Name:            "webhook-renewal",
		Concurrency:     2,
		DefaultPriority: PriorityHigh,
		DefaultAttempts: 5,
		DefaultBackoff:  Backoff{Type: BackoffExponential, Delay: 30 * time.Second},
		Lease:           5 * time.Minute,
		KeepCompleted:   24 * time.Hour,
		KeepFailed:      7 * 24 * time.Hour,
	}
}

// EmailConfig is reserved for outbound notification mail.
func EmailConfig() Config {
	return Config{
		Name:            "email",
		Concurrency:     2,
		DefaultPriority: PriorityLow,
		DefaultAttempts: 3,
		DefaultBackoff:  Backoff{Type: BackoffFixed, Delay: time.Minute},
		Lease:           5 * time.Minute,
		KeepCompleted:   6 * time.Hour,
		KeepFailed:      3 * 24 * time.Hour,
	}
}
