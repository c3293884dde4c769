package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/gate"
	"github.com/jw6ventures/calsync/internal/logging"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/remote/remotetest"
	"github.com/jw6ventures/calsync/internal/store"
)

type fakeChannels struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*store.WebhookChannel
}

func newFakeChannels(seed ...store.WebhookChannel) *fakeChannels {
	f := &fakeChannels{rows: map[int64]*store.WebhookChannel{}}
	for _, ch := range seed {
		f.Create(context.Background(), ch)
	}
	return f
}

func (f *fakeChannels) Create(ctx context.Context, ch store.WebhookChannel) (*store.WebhookChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ch.ID = f.nextID
	f.rows[ch.ID] = &ch
	cp := ch
	return &cp, nil
}

func (f *fakeChannels) Get(ctx context.Context, id int64) (*store.WebhookChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeChannels) GetByChannelID(ctx context.Context, channelID string) (*store.WebhookChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.rows {
		if ch.ChannelID == channelID {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeChannels) filter(keep func(store.WebhookChannel) bool) []store.WebhookChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.WebhookChannel
	for id := int64(1); id <= f.nextID; id++ {
		if ch, ok := f.rows[id]; ok && keep(*ch) {
			out = append(out, *ch)
		}
	}
	return out
}

func (f *fakeChannels) ListExpiring(ctx context.Context, before time.Time) ([]store.WebhookChannel, error) {
	return f.filter(func(ch store.WebhookChannel) bool { return ch.Active && !ch.ExpiresAt.After(before) }), nil
}

func (f *fakeChannels) ListActive(ctx context.Context) ([]store.WebhookChannel, error) {
	return f.filter(func(ch store.WebhookChannel) bool { return ch.Active }), nil
}

func (f *fakeChannels) ListByOwner(ctx context.Context, ownerID int64) ([]store.WebhookChannel, error) {
	return f.filter(func(ch store.WebhookChannel) bool { return ch.OwnerID == ownerID }), nil
}

func (f *fakeChannels) Renew(ctx context.Context, id int64, channelID, resourceID, token string, expiresAt, renewedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.rows[id]
	if !ok || !ch.Active {
		return store.ErrNotFound
	}
	ch.ChannelID, ch.ResourceID, ch.Token = channelID, resourceID, token
	ch.ExpiresAt = expiresAt
	ch.RenewedAt = &renewedAt
	ch.LastError = ""
	return nil
}

func (f *fakeChannels) Deactivate(ctx context.Context, id int64, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.rows[id]
	if !ok || !ch.Active {
		return store.ErrNotFound
	}
	ch.Active = false
	ch.DeactivatedAt = &at
	ch.LastError = reason
	return nil
}

func (f *fakeChannels) RecordFailure(ctx context.Context, id int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.rows[id]; ok {
		ch.LastError = message
	}
	return nil
}

func (f *fakeChannels) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, ch := range f.rows {
		if ch.ExpiresAt.Before(cutoff) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeChannels) Stats(ctx context.Context, now time.Time, window time.Duration) (store.ChannelStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s store.ChannelStats
	for _, ch := range f.rows {
		s.Total++
		if ch.Active {
			s.Active++
			if ch.ExpiresAt.After(now) && !ch.ExpiresAt.After(now.Add(window)) {
				s.ExpiringSoon++
			}
		} else {
			s.Inactive++
		}
		if !ch.ExpiresAt.After(now) {
			s.Expired++
		}
	}
	return s, nil
}

type fakeGate struct {
	denied map[int64]gate.Reason
}

func (g *fakeGate) CanSync(ctx context.Context, userID int64) gate.Decision {
	if r, ok := g.denied[userID]; ok {
		transient := r == gate.ReasonConnectionLookupFailed || r == gate.ReasonCredentialCheckFailed
		return gate.Decision{Reason: r, Transient: transient}
	}
	return gate.Decision{Allowed: true, Token: &oauth2.Token{AccessToken: "t"}, CalendarID: "primary"}
}

type fakePulls struct {
	calls []int64
	prios []queue.Priority
}

func (p *fakePulls) Pull(ctx context.Context, userID int64, priority queue.Priority) (*queue.Handle, error) {
	p.calls = append(p.calls, userID)
	p.prios = append(p.prios, priority)
	return &queue.Handle{ID: fmt.Sprintf("job-%d", len(p.calls)), Queue: "calendar-sync", Name: "pull"}, nil
}

type fixture struct {
	renewer  *Renewer
	channels *fakeChannels
	remote   *remotetest.Fake
	gate     *fakeGate
	pulls    *fakePulls
	now      time.Time
}

func newFixture(seed ...store.WebhookChannel) *fixture {
	f := &fixture{
		channels: newFakeChannels(seed...),
		remote:   remotetest.New(),
		gate:     &fakeGate{denied: map[int64]gate.Reason{}},
		pulls:    &fakePulls{},
		now:      time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	f.renewer = NewRenewer(f.channels, f.remote, f.gate, f.pulls, Options{CallbackURL: "https://cal.example.com/webhooks/calendar"}, logging.Discard())
	f.renewer.now = func() time.Time { return f.now }
	seq := 0
	f.renewer.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return f
}

func channel(owner int64, channelID string, expires time.Time) store.WebhookChannel {
	return store.WebhookChannel{
		OwnerID:    owner,
		CalendarID: "primary",
		ChannelID:  channelID,
		ResourceID: "res-" + channelID,
		Token:      "tok-" + channelID,
		ExpiresAt:  expires,
		Active:     true,
	}
}

func TestRenewExpiringWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(
		channel(1, "soon", now.Add(20*time.Hour)),
		channel(2, "later", now.Add(30*time.Hour)),
	)
	res, err := f.renewer.RenewExpiring(context.Background())
	if err != nil {
		t.Fatalf("RenewExpiring: %v", err)
	}
	if res.Checked != 1 || res.Renewed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	soon, _ := f.channels.Get(context.Background(), 1)
	if soon.ChannelID == "soon" || soon.RenewedAt == nil {
		t.Fatalf("channel 1 not renewed: %+v", soon)
	}
	if !soon.ExpiresAt.After(time.Now().Add(6 * 24 * time.Hour)) {
		t.Fatalf("renewed channel expires too early: %s", soon.ExpiresAt)
	}
	later, _ := f.channels.Get(context.Background(), 2)
	if later.ChannelID != "later" {
		t.Fatalf("channel 2 should not be renewed: %+v", later)
	}
	if len(f.remote.Stopped) != 1 || f.remote.Stopped[0] != "soon" {
		t.Fatalf("old channel not stopped: %v", f.remote.Stopped)
	}
}

func TestRenewDeactivatesWhenOwnerCannotSync(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(channel(1, "soon", now.Add(time.Hour)))
	f.gate.denied[1] = gate.ReasonSyncDisabled

	res, err := f.renewer.RenewExpiring(context.Background())
	if err != nil {
		t.Fatalf("RenewExpiring: %v", err)
	}
	if res.Deactivated != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	ch, _ := f.channels.Get(context.Background(), 1)
	if ch.Active {
		t.Fatalf("channel should be inactive")
	}
	if f.remote.Count("watch") != 0 {
		t.Fatalf("watch should not be called")
	}
}

func TestRenewFailureRecordsError(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(channel(1, "soon", now.Add(time.Hour)))
	f.remote.WatchErr = errors.New("provider unavailable")

	res, _ := f.renewer.RenewExpiring(context.Background())
	if res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	ch, _ := f.channels.Get(context.Background(), 1)
	if !ch.Active || ch.ChannelID != "soon" || ch.LastError == "" {
		t.Fatalf("failed renewal should keep the channel and record the error: %+v", ch)
	}
	if len(f.remote.Stopped) != 0 {
		t.Fatalf("old channel stopped despite failed watch")
	}
}

func TestRenewKeepsChannelWhenCheckUnavailable(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(channel(1, "soon", now.Add(time.Hour)))
	f.gate.denied[1] = gate.ReasonCredentialCheckFailed

	res, err := f.renewer.RenewExpiring(context.Background())
	if err != nil {
		t.Fatalf("RenewExpiring: %v", err)
	}
	if res.Failed != 1 || res.Deactivated != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	ch, _ := f.channels.Get(context.Background(), 1)
	if !ch.Active || ch.LastError != string(gate.ReasonCredentialCheckFailed) {
		t.Fatalf("channel should stay active with the failure recorded: %+v", ch)
	}

	f.gate.denied[1] = gate.ReasonConnectionLookupFailed
	_, err = f.renewer.ForceRenew(context.Background(), 1)
	if err == nil || errors.Is(err, ErrSyncNotAllowed) {
		t.Fatalf("ForceRenew error = %v, want a retryable error", err)
	}
	if ch, _ := f.channels.Get(context.Background(), 1); !ch.Active {
		t.Fatal("ForceRenew deactivated the channel on a lookup failure")
	}
	if f.remote.Count("watch") != 0 {
		t.Fatalf("watch should not be called")
	}
}

func TestForceRenew(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(channel(1, "far", now.Add(5*24*time.Hour)))
	ch, err := f.renewer.ForceRenew(context.Background(), 1)
	if err != nil {
		t.Fatalf("ForceRenew: %v", err)
	}
	if ch.ChannelID != "id-1" || ch.Token != "id-2" {
		t.Fatalf("unexpected renewed channel: %+v", ch)
	}
	if _, err := f.renewer.ForceRenew(context.Background(), 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeReusesActiveChannel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first, err := f.renewer.Subscribe(ctx, 7)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if first.ChannelID != "id-1" || first.Token != "id-2" || !first.Active {
		t.Fatalf("unexpected channel: %+v", first)
	}
	second, err := f.renewer.Subscribe(ctx, 7)
	if err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	if second.ID != first.ID || f.remote.Count("watch") != 1 {
		t.Fatalf("expected the active channel to be reused")
	}

	f.gate.denied[8] = gate.ReasonNoConnection
	if _, err := f.renewer.Subscribe(ctx, 8); !errors.Is(err, ErrSyncNotAllowed) {
		t.Fatalf("expected ErrSyncNotAllowed, got %v", err)
	}
	f.gate.denied[9] = gate.ReasonConnectionLookupFailed
	if _, err := f.renewer.Subscribe(ctx, 9); err == nil || errors.Is(err, ErrSyncNotAllowed) {
		t.Fatalf("lookup failure should be retryable, got %v", err)
	}
}

func TestCleanupAndValidate(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(
		channel(1, "ancient", now.Add(-8*24*time.Hour)),
		channel(2, "recent", now.Add(-2*24*time.Hour)),
		channel(3, "live", now.Add(3*24*time.Hour)),
	)
	n, err := f.renewer.CleanupExpired(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpired = %d, %v", n, err)
	}

	f.gate.denied[3] = gate.ReasonCredentialInvalid
	deactivated, err := f.renewer.ValidateCredentials(context.Background())
	if err != nil || deactivated != 1 {
		t.Fatalf("ValidateCredentials = %d, %v", deactivated, err)
	}
	stats, err := f.renewer.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 || stats.Inactive != 1 || stats.Expired != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestValidateCredentialsSkipsUnavailableChecks(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(
		channel(1, "lookup", now.Add(3*24*time.Hour)),
		channel(2, "refresh", now.Add(3*24*time.Hour)),
		channel(3, "revoked", now.Add(3*24*time.Hour)),
	)
	f.gate.denied[1] = gate.ReasonConnectionLookupFailed
	f.gate.denied[2] = gate.ReasonCredentialCheckFailed
	f.gate.denied[3] = gate.ReasonCredentialInvalid

	deactivated, err := f.renewer.ValidateCredentials(context.Background())
	if err != nil || deactivated != 1 {
		t.Fatalf("ValidateCredentials = %d, %v", deactivated, err)
	}
	for id, want := range map[int64]bool{1: true, 2: true, 3: false} {
		ch, _ := f.channels.Get(context.Background(), id)
		if ch.Active != want {
			t.Errorf("channel %d active = %v, want %v", id, ch.Active, want)
		}
	}
}

func TestHandleNotification(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(channel(4, "chan", now.Add(48*time.Hour)))
	ctx := context.Background()

	n := Notification{ChannelID: "chan", Token: "tok-chan", ResourceState: "sync"}
	res, err := f.renewer.HandleNotification(ctx, n)
	if err != nil || res.Queued {
		t.Fatalf("sync handshake: %+v, %v", res, err)
	}

	n.ResourceState = "exists"
	res, err = f.renewer.HandleNotification(ctx, n)
	if err != nil || !res.Queued {
		t.Fatalf("exists notification: %+v, %v", res, err)
	}
	if len(f.pulls.calls) != 1 || f.pulls.calls[0] != 4 || f.pulls.prios[0] != queue.PriorityHigh {
		t.Fatalf("unexpected pulls: %v %v", f.pulls.calls, f.pulls.prios)
	}

	n.Token = "wrong"
	if _, err := f.renewer.HandleNotification(ctx, n); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
	n.ChannelID = "missing"
	if _, err := f.renewer.HandleNotification(ctx, n); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}
