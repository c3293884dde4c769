// Package jobs defines the sync job payloads and routes them to the
// pipelines. Job names only exist on the wire; dispatch uses Kind.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/store"
)

// ErrInvalidPayload wraps every payload validation failure.
var ErrInvalidPayload = errors.New("invalid job payload")

type Kind int

const (
	KindPull Kind = iota + 1
	KindPush
	KindBatchPull
	KindFullSync
	KindInitialSync
	KindRenewChannel
)

var kindNames = map[Kind]string{
	KindPull:         "pull",
	KindPush:         "push",
	KindBatchPull:    "batch-pull",
	KindFullSync:     "full-sync",
	KindInitialSync:  "initial-sync",
	KindRenewChannel: "renew-channel",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown job kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown job kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DefaultPriority is the priority used when a caller gives no hint.
func (k Kind) DefaultPriority() queue.Priority {
	switch k {
	case KindPush, KindRenewChannel:
		return queue.PriorityHigh
	case KindPull, KindBatchPull, KindInitialSync:
		return queue.PriorityMedium
	case KindFullSync:
		return queue.PriorityLow
	}
	return queue.PriorityMedium
}

// ErrorType is the ledger category for jobs of this kind.
func (k Kind) ErrorType() store.ErrorType {
	if k == KindRenewChannel {
		return store.ErrorWebhookDelivery
	}
	return store.ErrorEventSync
}

// PushOperation selects what a push job mirrors.
type PushOperation string

const (
	PushUpsert PushOperation = "upsert"
	PushDelete PushOperation = "delete"
)

type PullArgs struct {
	TimeMin    *time.Time `json:"timeMin,omitempty"`
	TimeMax    *time.Time `json:"timeMax,omitempty"`
	MaxResults int        `json:"maxResults,omitempty"`
}

type PushArgs struct {
	Operation PushOperation `json:"operation"`
	EventID   int64         `json:"eventId,omitempty"`
	RemoteID  string        `json:"remoteId,omitempty"`
}

type InitialSyncArgs struct {
	Strategy string `json:"strategy"`
}

type RenewChannelArgs struct {
	ChannelID int64 `json:"channelId"`
}

// Payload is a tagged union: Kind selects which argument struct is set.
type Payload struct {
	Kind   Kind  `json:"kind"`
	UserID int64 `json:"userId,omitempty"`
	// LedgerID links a replayed job to the ledger entry it settles.
	LedgerID int64 `json:"ledgerId,omitempty"`

	Pull         *PullArgs         `json:"pull,omitempty"`
	Push         *PushArgs         `json:"push,omitempty"`
	InitialSync  *InitialSyncArgs  `json:"initialSync,omitempty"`
	RenewChannel *RenewChannelArgs `json:"renewChannel,omitempty"`
}

// Validate checks that the arguments match the kind.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindPull, KindFullSync:
		if p.UserID <= 0 {
			return fmt.Errorf("%w: %s job requires a user id", ErrInvalidPayload, p.Kind)
		}
	case KindBatchPull:
		if p.UserID <= 0 || p.Pull == nil {
			return fmt.Errorf("%w: batch-pull job requires a user id and a window", ErrInvalidPayload)
		}
		if p.Pull.TimeMin != nil && p.Pull.TimeMax != nil && !p.Pull.TimeMin.Before(*p.Pull.TimeMax) {
			return fmt.Errorf("%w: batch-pull window is empty", ErrInvalidPayload)
		}
	case KindPush:
		if p.UserID <= 0 || p.Push == nil {
			return fmt.Errorf("%w: push job requires a user id and arguments", ErrInvalidPayload)
		}
		switch p.Push.Operation {
		case PushUpsert:
			if p.Push.EventID <= 0 {
				return fmt.Errorf("%w: push upsert requires an event id", ErrInvalidPayload)
			}
		case PushDelete:
			if p.Push.RemoteID == "" {
				return fmt.Errorf("%w: push delete requires a remote id", ErrInvalidPayload)
			}
		default:
			return fmt.Errorf("%w: unknown push operation %q", ErrInvalidPayload, p.Push.Operation)
		}
	case KindInitialSync:
		if p.UserID <= 0 || p.InitialSync == nil {
			return fmt.Errorf("%w: initial-sync job requires a user id and strategy", ErrInvalidPayload)
		}
	case KindRenewChannel:
		if p.RenewChannel == nil || p.RenewChannel.ChannelID <= 0 {
			return fmt.Errorf("%w: renew-channel job requires a channel id", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %d", ErrInvalidPayload, int(p.Kind))
	}
	return nil
}

// DedupeKey returns the key that keeps one logical operation outstanding.
func (p Payload) DedupeKey() string {
	switch p.Kind {
	case KindPull:
		return fmt.Sprintf("pull-%d", p.UserID)
	case KindFullSync:
		return fmt.Sprintf("full-sync-%d", p.UserID)
	case KindInitialSync:
		return fmt.Sprintf("initial-sync-%d", p.UserID)
	case KindPush:
		if p.Push != nil && p.Push.Operation == PushUpsert {
			return fmt.Sprintf("push-%d-%d", p.UserID, p.Push.EventID)
		}
	case KindRenewChannel:
		if p.RenewChannel != nil {
			return fmt.Sprintf("renew-channel-%d", p.RenewChannel.ChannelID)
		}
	case KindBatchPull:
	}
	return ""
}
