package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/store"
)

var (
	ErrUnknownChannel = errors.New("unknown webhook channel")
	ErrBadToken       = errors.New("webhook token mismatch")
)

// Notification is the header set the provider sends with each push.
type Notification struct {
	ChannelID     string
	Token         string
	ResourceID    string
	ResourceState string
	MessageNumber string
}

// NotificationResult reports what an accepted notification triggered.
type NotificationResult struct {
	Queued bool   `json:"queued"`
	JobID  string `json:"jobId,omitempty"`
}

// HandleNotification verifies a push against the stored channel and queues
// a high-priority pull for its owner. The initial "sync" handshake is
// acknowledged without work.
func (r *Renewer) HandleNotification(ctx context.Context, n Notification) (*NotificationResult, error) {
	if n.ChannelID == "" {
		return nil, ErrUnknownChannel
	}
	ch, err := r.channels.GetByChannelID(ctx, n.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownChannel
		}
		return nil, err
	}
	if !ch.Active {
		return nil, ErrUnknownChannel
	}
	if subtle.ConstantTimeCompare([]byte(ch.Token), []byte(n.Token)) != 1 {
		r.log.Warn("notification token mismatch", slog.String("channel", n.ChannelID))
		return nil, ErrBadToken
	}
	if n.ResourceState == "sync" {
		return &NotificationResult{}, nil
	}
	h, err := r.pulls.Pull(ctx, ch.OwnerID, queue.PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("enqueue pull: %w", err)
	}
	r.log.Debug("notification queued pull", slog.Int64("user_id", ch.OwnerID), slog.String("state", n.ResourceState),
		slog.String("job_id", h.ID), slog.Bool("deduplicated", h.Deduplicated))
	return &NotificationResult{Queued: true, JobID: h.ID}, nil
}
