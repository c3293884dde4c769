// Package adapter converts between provider events and local events.
package adapter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
)

// ErrMalformed wraps every validation failure of a remote event.
var ErrMalformed = errors.New("malformed remote event")

const dateLayout = "2006-01-02"

var folder = cases.Fold()

// IsCancelled reports whether the provider deleted the event.
func IsCancelled(ev remote.Event) bool {
	return ev.Status == remote.StatusCancelled
}

// Validate rejects events that cannot be stored locally. Cancelled events
// need only an id.
func Validate(ev remote.Event) error {
	if strings.TrimSpace(ev.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if IsCancelled(ev) {
		return nil
	}
	start, startAllDay, err := parseTime(ev.Start)
	if err != nil {
		return fmt.Errorf("%w: event %s start: %v", ErrMalformed, ev.ID, err)
	}
	end, endAllDay, err := parseTime(ev.End)
	if err != nil {
		return fmt.Errorf("%w: event %s end: %v", ErrMalformed, ev.ID, err)
	}
	if startAllDay != endAllDay {
		return fmt.Errorf("%w: event %s mixes date and dateTime bounds", ErrMalformed, ev.ID)
	}
	if startAllDay {
		if end.Before(start) {
			return fmt.Errorf("%w: event %s ends before it starts", ErrMalformed, ev.ID)
		}
		return nil
	}
	if !start.Before(end) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrMalformed, ev.ID)
	}
	return nil
}

func parseTime(t *remote.EventTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, errors.New("missing")
	}
	switch {
	case t.DateTime != "":
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("unparsable dateTime %q", t.DateTime)
		}
		return v.UTC(), false, nil
	case t.Date != "":
		// All-day bounds are calendar dates stored as UTC midnight. TimeZone
		// only matters for timed events, so it is ignored here.
		v, err := time.Parse(dateLayout, t.Date)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("unparsable date %q", t.Date)
		}
		return v, true, nil
	}
	return time.Time{}, false, errors.New("missing date and dateTime")
}

// ToLocal maps a validated remote event onto a local event for ownerID.
func ToLocal(ownerID int64, provider string, ev remote.Event) (store.Event, error) {
	if err := Validate(ev); err != nil {
		return store.Event{}, err
	}
	if IsCancelled(ev) {
		return store.Event{}, fmt.Errorf("%w: event %s is cancelled", ErrMalformed, ev.ID)
	}
	start, allDay, _ := parseTime(ev.Start)
	end, _, _ := parseTime(ev.End)

	id := ev.ID
	out := store.Event{
		OwnerID:     ownerID,
		Provider:    provider,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		StartAt:     start,
		EndAt:       end,
		AllDay:      allDay,
		Recurrence:  strings.Join(ev.Recurrence, "\n"),
		RemoteID:    &id,
	}
	if ev.ETag != "" {
		etag := ev.ETag
		out.RemoteETag = &etag
	}
	return out, nil
}

// ToRemote maps a local event to the provider's writable fields.
func ToRemote(e store.Event) remote.EventInput {
	in := remote.EventInput{
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
	}
	if e.AllDay {
		in.Start = &remote.EventTime{Date: e.StartAt.UTC().Format(dateLayout)}
		in.End = &remote.EventTime{Date: e.EndAt.UTC().Format(dateLayout)}
	} else {
		in.Start = &remote.EventTime{DateTime: e.StartAt.UTC().Format(time.RFC3339)}
		in.End = &remote.EventTime{DateTime: e.EndAt.UTC().Format(time.RFC3339)}
	}
	if e.Recurrence != "" {
		for _, line := range strings.Split(e.Recurrence, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				in.Recurrence = append(in.Recurrence, line)
			}
		}
	}
	return in
}

// NormalizeTitle folds case, applies NFKC and collapses whitespace so titles
// can be compared for matching.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(folder.String(norm.NFKC.String(title))), " ")
}

// CreatedAt returns the provider creation time, or the zero time if absent.
func CreatedAt(ev remote.Event) time.Time {
	t, err := time.Parse(time.RFC3339, ev.Created)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Start returns the parsed start time, or the zero time when invalid.
func Start(ev remote.Event) time.Time {
	t, _, _ := parseTime(ev.Start)
	return t
}
