// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/remote"
)

// Call records one invocation on the fake.
type Call struct {
	Method  string
	EventID string
}

// Fake stores events per calendar and records calls. Set the *Err fields to
// force failures.
type Fake struct {
	mu     sync.Mutex
	events map[string]remote.Event
	seq    int
	Calls  []Call

	ListErr   error
	CreateErr error
	UpdateErr error
	DeleteErr error
	WatchErr  error
	StopErr   error

	Stopped []string
}

func New(events ...remote.Event) *Fake {
	f := &Fake{events: make(map[string]remote.Event)}
	for _, e := range events {
		f.events[e.ID] = e
	}
	return f
}

func (f *Fake) record(method, id string) {
	f.Calls = append(f.Calls, Call{Method: method, EventID: id})
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Event returns the stored event.
func (f *Fake) Event(id string) (remote.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	return e, ok
}

func (f *Fake) List(ctx context.Context, tok *oauth2.Token, calendarID string, opts remote.ListOptions) ([]remote.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list", "")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]remote.Event, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

func (f *Fake) Get(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) (*remote.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get", eventID)
	e, ok := f.events[eventID]
	if !ok {
		return nil, &remote.Error{StatusCode: 404}
	}
	return &e, nil
}

func (f *Fake) Create(ctx context.Context, tok *oauth2.Token, calendarID string, in remote.EventInput) (*remote.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", "")
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.seq++
	e := fromInput(fmt.Sprintf("remote-%d", f.seq), in)
	e.ETag = fmt.Sprintf(`"%d"`, f.seq)
	f.events[e.ID] = e
	return &e, nil
}

func (f *Fake) Update(ctx context.Context, tok *oauth2.Token, calendarID, eventID string, in remote.EventInput) (*remote.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", eventID)
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	if _, ok := f.events[eventID]; !ok {
		return nil, &remote.Error{StatusCode: 404}
	}
	f.seq++
	e := fromInput(eventID, in)
	e.ETag = fmt.Sprintf(`"%d"`, f.seq)
	f.events[eventID] = e
	return &e, nil
}

func (f *Fake) Delete(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", eventID)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.events[eventID]; !ok {
		return &remote.Error{StatusCode: 410}
	}
	delete(f.events, eventID)
	return nil
}

func (f *Fake) Watch(ctx context.Context, tok *oauth2.Token, calendarID string, req remote.WatchRequest) (*remote.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("watch", req.ChannelID)
	if f.WatchErr != nil {
		return nil, f.WatchErr
	}
	f.seq++
	return &remote.Channel{
		ID:         req.ChannelID,
		ResourceID: fmt.Sprintf("resource-%d", f.seq),
		Expiration: time.Now().Add(req.TTL).UTC(),
	}, nil
}

func (f *Fake) Stop(ctx context.Context, tok *oauth2.Token, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", channelID)
	if f.StopErr != nil {
		return f.StopErr
	}
	f.Stopped = append(f.Stopped, channelID)
	return nil
}

func fromInput(id string, in remote.EventInput) remote.Event {
	return remote.Event{
		ID:          id,
		Status:      "confirmed",
		Summary:     in.Summary,
		Description: in.Description,
		Location:    in.Location,
		Start:       in.Start,
		End:         in.End,
		Recurrence:  in.Recurrence,
	}
}

var _ remote.Client = (*Fake)(nil)
