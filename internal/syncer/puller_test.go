package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jw6ventures/calsync/internal/gate"
	"github.com/jw6ventures/calsync/internal/logging"
	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/remote/remotetest"
	"github.com/jw6ventures/calsync/internal/store"
)

func remoteEvent(id string, start time.Time, d time.Duration) remote.Event {
	return remote.Event{
		ID:      id,
		ETag:    `"1"`,
		Status:  "confirmed",
		Summary: "Event " + id,
		Start:   &remote.EventTime{DateTime: start.UTC().Format(time.RFC3339)},
		End:     &remote.EventTime{DateTime: start.Add(d).UTC().Format(time.RFC3339)},
	}
}

func manyRemote(n int) []remote.Event {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]remote.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, remoteEvent(fmt.Sprintf("r%03d", i), base.Add(time.Duration(i)*time.Hour), 30*time.Minute))
	}
	return out
}

func newTestPuller(events *fakeEvents, client remote.Client, g Gate, opts Options) (*Puller, *sleepRecorder) {
	p := NewPuller(events, client, g, opts, logging.Discard())
	rec := &sleepRecorder{}
	p.sleep = rec.sleep
	return p, rec
}

func TestPullIsIdempotent(t *testing.T) {
	events := newFakeEvents()
	client := remotetest.New(manyRemote(120)...)
	p, _ := newTestPuller(events, client, allowGate(), Options{})

	first, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if first.Created != 120 || first.Updated != 0 || first.Synced != 120 {
		t.Fatalf("first pull = %+v", first)
	}
	second, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatalf("second Pull() error = %v", err)
	}
	if second.Created != 0 || second.Updated != 120 {
		t.Fatalf("second pull = %+v", second)
	}
	if got := len(events.all()); got != 120 {
		t.Fatalf("local events = %d, want 120", got)
	}
	for _, e := range events.all() {
		if e.LastSyncedAt == nil {
			t.Fatalf("event %d missing LastSyncedAt", e.ID)
		}
	}
}

func TestPullBatchesSequentiallyWithDelay(t *testing.T) {
	events := newFakeEvents()
	client := remotetest.New(manyRemote(120)...)
	p, rec := newTestPuller(events, client, allowGate(), Options{BatchSize: 50, BatchDelay: 100 * time.Millisecond})

	if _, err := p.Pull(context.Background(), 1, PullOptions{}); err != nil {
		t.Fatal(err)
	}
	if events.bulkCalls != 3 {
		t.Fatalf("bulk calls = %d, want 3", events.bulkCalls)
	}
	want := []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}
	if len(rec.delays) != len(want) || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
}

func TestPullFallsBackOnMalformedRow(t *testing.T) {
	remotes := manyRemote(50)
	remotes = append(remotes, remote.Event{ID: "zz-bad", Summary: "broken", Start: &remote.EventTime{DateTime: "2026-03-01T10:00:00Z"}})

	events := newFakeEvents()
	p, _ := newTestPuller(events, remotetest.New(remotes...), allowGate(), Options{BatchSize: 100})

	res, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if res.Synced != 50 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 50 synced and 1 failed", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].RemoteID != "zz-bad" {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if events.bulkCalls != 0 {
		t.Fatalf("bulk path used despite malformed row")
	}
	if events.upsertCalls["zz-bad"] != 0 {
		t.Fatalf("malformed row reached the store")
	}
}

func TestPullFallsBackOnBulkStatementError(t *testing.T) {
	events := newFakeEvents()
	events.bulkErr = errors.New("statement too large")
	p, _ := newTestPuller(events, remotetest.New(manyRemote(10)...), allowGate(), Options{})

	res, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 10 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if events.bulkCalls != 1 {
		t.Fatalf("bulk calls = %d", events.bulkCalls)
	}
}

func TestPullRetriesTransientItemFailures(t *testing.T) {
	events := newFakeEvents()
	events.bulkErr = errors.New("deadlock detected")
	events.upsertErr = func(remoteID string, call int) error {
		if remoteID == "r000" {
			return errors.New("connection reset by peer")
		}
		if remoteID == "r001" && call == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	p, rec := newTestPuller(events, remotetest.New(manyRemote(2)...), allowGate(), Options{MaxAttempts: 3})

	res, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Created != 1 {
		t.Fatalf("result = %+v", res)
	}
	if events.upsertCalls["r000"] != 3 {
		t.Fatalf("r000 attempts = %d, want 3", events.upsertCalls["r000"])
	}
	if events.upsertCalls["r001"] != 2 {
		t.Fatalf("r001 attempts = %d, want 2", events.upsertCalls["r001"])
	}

	var ones, twos int
	for _, d := range rec.delays {
		switch d {
		case time.Second:
			ones++
		case 2 * time.Second:
			twos++
		default:
			t.Fatalf("unexpected delay %v", d)
		}
	}
	// r000: 1s then 2s; r001: 1s.
	if ones != 2 || twos != 1 {
		t.Fatalf("delays = %v", rec.delays)
	}
}

func TestPullDoesNotRetryPermanentErrors(t *testing.T) {
	events := newFakeEvents()
	events.bulkErr = errors.New("bulk failed")
	events.upsertErr = func(remoteID string, call int) error {
		return fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "23514", Message: "events_range_check"})
	}
	p, rec := newTestPuller(events, remotetest.New(manyRemote(1)...), allowGate(), Options{})

	res, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || events.upsertCalls["r000"] != 1 || len(rec.delays) != 0 {
		t.Fatalf("permanent error retried: result=%+v calls=%d delays=%v", res, events.upsertCalls["r000"], rec.delays)
	}
}

func TestPullSkipsWhenGateDenies(t *testing.T) {
	client := remotetest.New(manyRemote(3)...)
	p, _ := newTestPuller(newFakeEvents(), client, denyGate(gate.ReasonSyncDisabled), Options{})

	res, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.SkipReason != "sync_disabled" {
		t.Fatalf("result = %+v", res)
	}
	if client.Count("list") != 0 {
		t.Fatal("remote called despite gate refusal")
	}
}

func TestPullFailsWhenGateCheckUnavailable(t *testing.T) {
	client := remotetest.New(manyRemote(3)...)
	g := denyGate(gate.ReasonConnectionLookupFailed)
	g.decision.Transient = true
	p, _ := newTestPuller(newFakeEvents(), client, g, Options{})

	res, err := p.Pull(context.Background(), 1, PullOptions{})
	if err == nil || errors.Is(err, ErrSyncNotAllowed) || res != nil {
		t.Fatalf("Pull() = %+v, %v; want a retryable error", res, err)
	}
	if client.Count("list") != 0 {
		t.Fatal("remote called without a token")
	}
}

func TestPullPropagatesListFailure(t *testing.T) {
	client := remotetest.New()
	client.ListErr = &remote.Error{StatusCode: 503}
	p, _ := newTestPuller(newFakeEvents(), client, allowGate(), Options{})

	if _, err := p.Pull(context.Background(), 1, PullOptions{}); !remote.IsTransient(err) {
		t.Fatalf("error = %v, want transient remote error", err)
	}
}

func TestPullDeletesCancelledEvents(t *testing.T) {
	rid := "r000"
	events := newFakeEvents(store.Event{
		OwnerID: 1, Title: "old", RemoteID: &rid,
		StartAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), EndAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	client := remotetest.New(remote.Event{ID: rid, Status: remote.StatusCancelled}, manyRemote(2)[1])
	p, _ := newTestPuller(events, client, allowGate(), Options{})

	res, err := p.Pull(context.Background(), 1, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 || res.Created != 1 || res.Synced != 2 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := events.FindByRemoteID(context.Background(), 1, store.ProviderGoogle, rid); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("cancelled event still present")
	}
}

func TestRetryDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := retryDelay(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}
