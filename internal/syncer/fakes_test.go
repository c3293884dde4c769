package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/gate"
	"github.com/jw6ventures/calsync/internal/store"
)

type fakeGate struct {
	decision gate.Decision
}

func allowGate() *fakeGate {
	return &fakeGate{decision: gate.Decision{Allowed: true, Token: &oauth2.Token{AccessToken: "t"}, CalendarID: "primary"}}
}

func denyGate(r gate.Reason) *fakeGate {
	return &fakeGate{decision: gate.Decision{Reason: r}}
}

func (g *fakeGate) CanSync(ctx context.Context, userID int64) gate.Decision {
	return g.decision
}

type fakeEvents struct {
	mu        sync.Mutex
	events    map[int64]store.Event
	seq       int64
	bulkErr   error
	bulkCalls int
	// upsertErr, when set, is consulted before every Upsert.
	upsertErr   func(remoteID string, call int) error
	upsertCalls map[string]int
}

func newFakeEvents(seed ...store.Event) *fakeEvents {
	f := &fakeEvents{events: make(map[int64]store.Event), upsertCalls: make(map[string]int)}
	for _, e := range seed {
		if e.ID == 0 {
			f.seq++
			e.ID = f.seq
		} else if e.ID > f.seq {
			f.seq = e.ID
		}
		if e.Provider == "" {
			e.Provider = store.ProviderGoogle
		}
		f.events[e.ID] = e
	}
	return f
}

func (f *fakeEvents) all() []store.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Event, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeEvents) get(id int64) store.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id]
}

func (f *fakeEvents) Insert(ctx context.Context, e store.Event) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f.seq++
	e.ID = f.seq
	e.CreatedAt = time.Now()
	f.events[e.ID] = e
	return &e, nil
}

func (f *fakeEvents) upsertLocked(e store.Event) (*store.Event, bool) {
	for id, existing := range f.events {
		if existing.OwnerID == e.OwnerID && existing.HasRemote() && *existing.RemoteID == *e.RemoteID {
			e.ID = id
			e.CreatedAt = existing.CreatedAt
			f.events[id] = e
			return &e, false
		}
	}
	f.seq++
	e.ID = f.seq
	f.events[e.ID] = e
	return &e, true
}

func (f *fakeEvents) BulkUpsert(ctx context.Context, events []store.Event) (store.UpsertStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	if f.bulkErr != nil {
		return store.UpsertStats{}, f.bulkErr
	}
	var stats store.UpsertStats
	for _, e := range events {
		if _, created := f.upsertLocked(e); created {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}
	return stats, nil
}

func (f *fakeEvents) Upsert(ctx context.Context, e store.Event) (*store.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := *e.RemoteID
	f.upsertCalls[id]++
	if f.upsertErr != nil {
		if err := f.upsertErr(id, f.upsertCalls[id]); err != nil {
			return nil, false, err
		}
	}
	saved, created := f.upsertLocked(e)
	return saved, created, nil
}

func (f *fakeEvents) Update(ctx context.Context, e store.Event) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[e.ID]; !ok {
		return nil, store.ErrNotFound
	}
	f.events[e.ID] = e
	return &e, nil
}

func (f *fakeEvents) Delete(ctx context.Context, ownerID, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.events[id]; !ok || e.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(f.events, id)
	return nil
}

func (f *fakeEvents) DeleteByRemoteID(ctx context.Context, ownerID int64, provider, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.events {
		if e.OwnerID == ownerID && e.HasRemote() && *e.RemoteID == remoteID {
			delete(f.events, id)
		}
	}
	return nil
}

func (f *fakeEvents) GetByID(ctx context.Context, ownerID, id int64) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok || e.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (f *fakeEvents) FindByRemoteID(ctx context.Context, ownerID int64, provider, remoteID string) (*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.OwnerID == ownerID && e.HasRemote() && *e.RemoteID == remoteID {
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeEvents) ListByOwner(ctx context.Context, ownerID int64) ([]store.Event, error) {
	var out []store.Event
	for _, e := range f.all() {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) SetRemoteLink(ctx context.Context, ownerID, id int64, remoteID, etag string, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.RemoteID = &remoteID
	e.RemoteETag = &etag
	e.LastSyncedAt = &syncedAt
	f.events[id] = e
	return nil
}

func (f *fakeEvents) ClearRemoteLinks(ctx context.Context, ownerID int64, provider string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, e := range f.events {
		if e.OwnerID == ownerID && e.HasRemote() {
			e.RemoteID, e.RemoteETag, e.LastSyncedAt = nil, nil, nil
			f.events[id] = e
			n++
		}
	}
	return n, nil
}

type fakeConflicts struct {
	items []store.SyncConflict
}

func (f *fakeConflicts) Create(ctx context.Context, c store.SyncConflict) (*store.SyncConflict, error) {
	c.ID = int64(len(f.items) + 1)
	f.items = append(f.items, c)
	return &c, nil
}

func (f *fakeConflicts) Get(ctx context.Context, ownerID, id int64) (*store.SyncConflict, error) {
	for _, c := range f.items {
		if c.ID == id && c.OwnerID == ownerID {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeConflicts) ListByOwner(ctx context.Context, ownerID int64, unresolvedOnly bool) ([]store.SyncConflict, error) {
	var out []store.SyncConflict
	for _, c := range f.items {
		if c.OwnerID == ownerID && (!unresolvedOnly || !c.Resolved) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConflicts) Resolve(ctx context.Context, ownerID, id int64, resolution string, at time.Time) (*store.SyncConflict, error) {
	for i, c := range f.items {
		if c.ID == id && c.OwnerID == ownerID {
			f.items[i].Resolved = true
			f.items[i].Resolution = resolution
			f.items[i].ResolvedAt = &at
			out := f.items[i]
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeConnections struct {
	conns       map[int64]store.Connection
	initialSync map[int64]time.Time
}

func newFakeConnections(conns ...store.Connection) *fakeConnections {
	f := &fakeConnections{conns: make(map[int64]store.Connection), initialSync: make(map[int64]time.Time)}
	for _, c := range conns {
		f.conns[c.OwnerID] = c
	}
	return f
}

func (f *fakeConnections) Get(ctx context.Context, ownerID int64) (*store.Connection, error) {
	c, ok := f.conns[ownerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (f *fakeConnections) Upsert(ctx context.Context, c store.Connection) (*store.Connection, error) {
	f.conns[c.OwnerID] = c
	return &c, nil
}

func (f *fakeConnections) SetSyncEnabled(ctx context.Context, ownerID int64, enabled bool) error {
	c, ok := f.conns[ownerID]
	if !ok {
		return store.ErrNotFound
	}
	c.SyncEnabled = enabled
	f.conns[ownerID] = c
	return nil
}

func (f *fakeConnections) Deactivate(ctx context.Context, ownerID int64, at time.Time) error {
	c, ok := f.conns[ownerID]
	if !ok {
		return store.ErrNotFound
	}
	c.Active = false
	f.conns[ownerID] = c
	return nil
}

func (f *fakeConnections) MarkInitialSync(ctx context.Context, ownerID int64, at time.Time) error {
	f.initialSync[ownerID] = at
	return nil
}

func (f *fakeConnections) ListSyncable(ctx context.Context) ([]store.Connection, error) {
	var out []store.Connection
	for _, c := range f.conns {
		if c.Active && c.SyncEnabled {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeChannels struct {
	store.ChannelRepository
	items       []store.WebhookChannel
	deactivated []int64
}

func (f *fakeChannels) ListByOwner(ctx context.Context, ownerID int64) ([]store.WebhookChannel, error) {
	var out []store.WebhookChannel
	for _, c := range f.items {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChannels) Deactivate(ctx context.Context, id int64, reason string, at time.Time) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

type fakeTokens struct {
	saved     map[int64]*oauth2.Token
	forgotten []int64
}

func (f *fakeTokens) Save(ctx context.Context, ownerID int64, tok *oauth2.Token) error {
	if f.saved == nil {
		f.saved = make(map[int64]*oauth2.Token)
	}
	f.saved[ownerID] = tok
	return nil
}

func (f *fakeTokens) Forget(ctx context.Context, ownerID int64) error {
	f.forgotten = append(f.forgotten, ownerID)
	return nil
}

// sleepRecorder captures requested delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}
