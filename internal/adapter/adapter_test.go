package adapter

import (
	"errors"
	"testing"
	"time"

	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
)

func timed(id, start, end string) remote.Event {
	return remote.Event{
		ID:      id,
		Summary: "Planning",
		Start:   &remote.EventTime{DateTime: start},
		End:     &remote.EventTime{DateTime: end},
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		event   remote.Event
		wantErr bool
	}{
		{name: "timed", event: timed("a", "2026-03-01T09:00:00Z", "2026-03-01T10:00:00Z")},
		{name: "all day", event: remote.Event{ID: "b", Start: &remote.EventTime{Date: "2026-03-01"}, End: &remote.EventTime{Date: "2026-03-02"}}},
		{name: "cancelled without times", event: remote.Event{ID: "c", Status: remote.StatusCancelled}},
		{name: "missing id", event: timed("", "2026-03-01T09:00:00Z", "2026-03-01T10:00:00Z"), wantErr: true},
		{name: "missing start", event: remote.Event{ID: "d", End: &remote.EventTime{DateTime: "2026-03-01T10:00:00Z"}}, wantErr: true},
		{name: "empty end", event: remote.Event{ID: "e", Start: &remote.EventTime{DateTime: "2026-03-01T10:00:00Z"}, End: &remote.EventTime{}}, wantErr: true},
		{name: "garbage time", event: timed("f", "yesterday", "2026-03-01T10:00:00Z"), wantErr: true},
		{name: "inverted", event: timed("g", "2026-03-01T11:00:00Z", "2026-03-01T10:00:00Z"), wantErr: true},
		{name: "zero length", event: timed("h", "2026-03-01T10:00:00Z", "2026-03-01T10:00:00Z"), wantErr: true},
		{name: "mixed bounds", event: remote.Event{ID: "i", Start: &remote.EventTime{Date: "2026-03-01"}, End: &remote.EventTime{DateTime: "2026-03-01T10:00:00Z"}}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.event)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformed) {
				t.Fatalf("error %v does not wrap ErrMalformed", err)
			}
		})
	}
}

func TestToLocalAndBack(t *testing.T) {
	ev := timed("r1", "2026-03-01T09:00:00+01:00", "2026-03-01T10:00:00+01:00")
	ev.ETag = `"5"`
	ev.Description = "Quarterly"
	ev.Recurrence = []string{"RRULE:FREQ=WEEKLY", "EXDATE:20260308T080000Z"}

	local, err := ToLocal(7, store.ProviderGoogle, ev)
	if err != nil {
		t.Fatalf("ToLocal() error = %v", err)
	}
	if local.OwnerID != 7 || *local.RemoteID != "r1" || *local.RemoteETag != `"5"` {
		t.Fatalf("identity not mapped: %+v", local)
	}
	if !local.StartAt.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("StartAt = %v", local.StartAt)
	}
	if err := local.Validate(); err != nil {
		t.Fatalf("mapped event invalid: %v", err)
	}

	back := ToRemote(local)
	if back.Start.DateTime != "2026-03-01T08:00:00Z" || back.End.DateTime != "2026-03-01T09:00:00Z" {
		t.Fatalf("times = %+v / %+v", back.Start, back.End)
	}
	if len(back.Recurrence) != 2 || back.Recurrence[0] != "RRULE:FREQ=WEEKLY" {
		t.Fatalf("recurrence = %v", back.Recurrence)
	}
}

func TestToLocalAllDay(t *testing.T) {
	ev := remote.Event{ID: "d1", Summary: "Holiday", Start: &remote.EventTime{Date: "2026-12-25"}, End: &remote.EventTime{Date: "2026-12-26"}}
	local, err := ToLocal(1, store.ProviderGoogle, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !local.AllDay {
		t.Fatal("expected all-day event")
	}
	back := ToRemote(local)
	if back.Start.Date != "2026-12-25" || back.End.Date != "2026-12-26" || back.Start.DateTime != "" {
		t.Fatalf("all-day round trip = %+v / %+v", back.Start, back.End)
	}
}

func TestAllDayDatesIgnoreTimeZone(t *testing.T) {
	for _, tz := range []string{"Asia/Tokyo", "America/Los_Angeles", "Pacific/Kiritimati", ""} {
		t.Run(tz, func(t *testing.T) {
			ev := remote.Event{
				ID:    "d2",
				Start: &remote.EventTime{Date: "2026-05-01", TimeZone: tz},
				End:   &remote.EventTime{Date: "2026-05-02", TimeZone: tz},
			}
			local, err := ToLocal(1, store.ProviderGoogle, ev)
			if err != nil {
				t.Fatal(err)
			}
			want := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
			if !local.StartAt.Equal(want) || !local.EndAt.Equal(want.AddDate(0, 0, 1)) {
				t.Fatalf("stored bounds = %s / %s", local.StartAt, local.EndAt)
			}
			back := ToRemote(local)
			if back.Start.Date != "2026-05-01" || back.End.Date != "2026-05-02" {
				t.Fatalf("round trip = %s..%s", back.Start.Date, back.End.Date)
			}
		})
	}
}

func TestToLocalRejectsCancelled(t *testing.T) {
	if _, err := ToLocal(1, store.ProviderGoogle, remote.Event{ID: "x", Status: remote.StatusCancelled}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("error = %v", err)
	}
}

func TestNormalizeTitle(t *testing.T) {
	testCases := map[string]string{
		"  Team   Sync ": "team sync",
		"TEAM SYNC":      "team sync",
		"Ｗｅｅｋｌｙ":         "weekly",
		"":               "",
	}
	for in, want := range testCases {
		if got := NormalizeTitle(in); got != want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreatedAtAndStart(t *testing.T) {
	ev := timed("a", "2026-03-01T09:00:00Z", "2026-03-01T10:00:00Z")
	ev.Created = "2026-01-01T00:00:00Z"
	if !CreatedAt(ev).Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("CreatedAt = %v", CreatedAt(ev))
	}
	if !CreatedAt(remote.Event{}).IsZero() {
		t.Fatal("expected zero creation time")
	}
	if !Start(ev).Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("Start = %v", Start(ev))
	}
}
