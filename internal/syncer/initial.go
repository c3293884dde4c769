package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/adapter"
	"github.com/jw6ventures/calsync/internal/gate"
	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/store"
)

// Strategy chooses how matched local/remote pairs are resolved.
type Strategy string

const (
	PreferLocal  Strategy = "MERGE_PREFER_LOCAL"
	PreferRemote Strategy = "MERGE_PREFER_REMOTE"
	KeepBoth     Strategy = "KEEP_BOTH"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case PreferLocal, PreferRemote, KeepBoth:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// InitialSyncResult summarizes the first meeting of local and remote sets.
// TotalRemote counts every listed remote event; Skipped is the cancelled or
// malformed share of it that took no part in matching.
type InitialSyncResult struct {
	TotalRemote int                  `json:"totalRemote"`
	TotalLocal  int                  `json:"totalLocal"`
	Skipped     int                  `json:"skipped"`
	Imported    int                  `json:"imported"`
	Conflicts   []store.SyncConflict `json:"conflicts"`
	Errors      []string             `json:"errors,omitempty"`
}

// InitialSync matches pre-existing local events against the remote calendar
// and records every match as a conflict.
type InitialSync struct {
	events      store.EventRepository
	conflicts   store.ConflictRepository
	connections store.ConnectionRepository
	remote      remote.Client
	gate        Gate
	puller      *Puller
	opts        Options
	log         *slog.Logger
	now         func() time.Time
}

func NewInitialSync(events store.EventRepository, conflicts store.ConflictRepository, connections store.ConnectionRepository,
	client remote.Client, g Gate, puller *Puller, opts Options, log *slog.Logger) *InitialSync {
	return &InitialSync{
		events:      events,
		conflicts:   conflicts,
		connections: connections,
		remote:      client,
		gate:        g,
		puller:      puller,
		opts:        opts.withDefaults(),
		log:         log.With(slog.String("component", "initial_sync")),
		now:         time.Now,
	}
}

type match struct {
	local  store.Event
	remote remote.Event
	reason store.ConflictReason
}

func (s *InitialSync) Run(ctx context.Context, userID int64, strategy Strategy) (*InitialSyncResult, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	d := s.gate.CanSync(ctx, userID)
	if !d.Allowed {
		return nil, notAllowed(d)
	}

	now := s.now()
	remotes, err := s.remote.List(ctx, d.Token, d.CalendarID, remote.ListOptions{
		TimeMin:    now.Add(-s.opts.PullPast),
		TimeMax:    now.Add(s.opts.PullAhead),
		MaxResults: s.opts.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("list remote events: %w", err)
	}
	locals, err := s.events.ListByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list local events: %w", err)
	}

	res := &InitialSyncResult{TotalRemote: len(remotes), TotalLocal: len(locals), Conflicts: []store.SyncConflict{}}
	matches, unmatched := s.match(locals, remotes, res)

	var toImport []remote.Event
	toImport = append(toImport, unmatched...)
	for _, m := range matches {
		conflict, importRemote := s.resolve(ctx, d, userID, strategy, m, res)
		if importRemote {
			toImport = append(toImport, m.remote)
		}
		saved, err := s.conflicts.Create(ctx, conflict)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("record conflict for %s: %v", m.remote.ID, err))
			continue
		}
		res.Conflicts = append(res.Conflicts, *saved)
	}

	if len(toImport) > 0 {
		imported, err := s.puller.Import(ctx, userID, toImport)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("import: %v", err))
		} else {
			res.Imported = imported.Created + imported.Updated
			for _, ie := range imported.Errors {
				res.Errors = append(res.Errors, fmt.Sprintf("import %s: %s", ie.RemoteID, ie.Message))
			}
		}
	}

	if err := s.connections.MarkInitialSync(ctx, userID, s.now().UTC()); err != nil {
		s.log.Warn("mark initial sync", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	s.log.Info("initial sync finished", slog.Int64("user_id", userID), slog.String("strategy", string(strategy)),
		slog.Int("remote", res.TotalRemote), slog.Int("local", res.TotalLocal), slog.Int("skipped", res.Skipped),
		slog.Int("imported", res.Imported), slog.Int("conflicts", len(res.Conflicts)))
	return res, nil
}

// match pairs remote events with unlinked local candidates. Remotes are
// visited by (created, start, id); each takes the earliest-starting unmatched
// local with the same normalized title and an intersecting range, ties
// broken by lowest id.
func (s *InitialSync) match(locals []store.Event, remotes []remote.Event, res *InitialSyncResult) ([]match, []remote.Event) {
	linked := make(map[string]bool, len(locals))
	var candidates []store.Event
	for _, l := range locals {
		if l.HasRemote() {
			linked[*l.RemoteID] = true
			continue
		}
		candidates = append(candidates, l)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].StartAt.Equal(candidates[j].StartAt) {
			return candidates[i].StartAt.Before(candidates[j].StartAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	live := make([]remote.Event, 0, len(remotes))
	for _, r := range remotes {
		if adapter.IsCancelled(r) {
			res.Skipped++
			continue
		}
		if err := adapter.Validate(r); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		live = append(live, r)
	}
	sort.SliceStable(live, func(i, j int) bool {
		ci, cj := adapter.CreatedAt(live[i]), adapter.CreatedAt(live[j])
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		si, sj := adapter.Start(live[i]), adapter.Start(live[j])
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return live[i].ID < live[j].ID
	})

	used := make([]bool, len(candidates))
	var matches []match
	var unmatched []remote.Event
	for _, r := range live {
		if linked[r.ID] {
			continue
		}
		rl, err := adapter.ToLocal(0, store.ProviderGoogle, r)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		title := adapter.NormalizeTitle(r.Summary)
		found := -1
		for i, c := range candidates {
			if used[i] || adapter.NormalizeTitle(c.Title) != title || !intersects(c, rl) {
				continue
			}
			found = i
			break
		}
		if found < 0 {
			unmatched = append(unmatched, r)
			continue
		}
		used[found] = true
		matches = append(matches, match{local: candidates[found], remote: r, reason: classify(candidates[found], rl)})
	}
	return matches, unmatched
}

func intersects(a, b store.Event) bool {
	if a.StartAt.Equal(b.StartAt) && a.EndAt.Equal(b.EndAt) {
		return true
	}
	return a.StartAt.Before(b.EndAt) && b.StartAt.Before(a.EndAt)
}

func classify(local, rl store.Event) store.ConflictReason {
	if !local.StartAt.Equal(rl.StartAt) || !local.EndAt.Equal(rl.EndAt) {
		return store.ConflictOverlap
	}
	if local.Description == rl.Description && local.Location == rl.Location && local.AllDay == rl.AllDay {
		return store.ConflictDuplicate
	}
	return store.ConflictContentMismatch
}

// ambiguous pairs carry different recurrence rules; neither side is touched.
func ambiguous(local store.Event, r remote.Event) bool {
	return strings.TrimSpace(local.Recurrence) != strings.TrimSpace(strings.Join(r.Recurrence, "\n"))
}

// resolve applies the strategy to one match and returns the conflict record
// plus whether the remote must be imported as a new local event.
func (s *InitialSync) resolve(ctx context.Context, d gate.Decision, userID int64, strategy Strategy, m match, res *InitialSyncResult) (store.SyncConflict, bool) {
	localSnap, err := json.Marshal(m.local)
	if err != nil {
		s.log.Warn("snapshot local event", slog.Int64("event_id", m.local.ID), slog.Any("error", err))
	}
	remoteSnap, err := json.Marshal(m.remote)
	if err != nil {
		s.log.Warn("snapshot remote event", slog.String("remote_id", m.remote.ID), slog.Any("error", err))
	}
	localID := m.local.ID
	c := store.SyncConflict{
		OwnerID:        userID,
		LocalEventID:   &localID,
		RemoteEventID:  m.remote.ID,
		LocalSnapshot:  localSnap,
		RemoteSnapshot: remoteSnap,
		Reason:         m.reason,
		Strategy:       string(strategy),
	}
	if ambiguous(m.local, m.remote) {
		c.Resolution = "ambiguous: recurrence rules differ"
		return c, false
	}

	fail := func(err error) (store.SyncConflict, bool) {
		res.Errors = append(res.Errors, fmt.Sprintf("resolve %s: %v", m.remote.ID, err))
		return c, false
	}
	now := s.now().UTC()

	switch strategy {
	case PreferLocal:
		r, err := s.remote.Update(ctx, d.Token, d.CalendarID, m.remote.ID, adapter.ToRemote(m.local))
		if err != nil {
			return fail(err)
		}
		if err := s.events.SetRemoteLink(ctx, userID, m.local.ID, r.ID, r.ETag, now); err != nil {
			return fail(err)
		}
		c.Resolution = "kept local; pushed to remote"
	case PreferRemote:
		incoming, err := adapter.ToLocal(userID, store.ProviderGoogle, m.remote)
		if err != nil {
			return fail(err)
		}
		incoming.ID = m.local.ID
		incoming.LastSyncedAt = &now
		if _, err := s.events.Update(ctx, incoming); err != nil {
			return fail(err)
		}
		c.Resolution = "kept remote; overwrote local"
	case KeepBoth:
		c.Resolution = "kept both; imported remote copy"
		c.Resolved = true
		c.ResolvedAt = &now
		return c, true
	}
	c.Resolved = true
	c.ResolvedAt = &now
	return c, false
}

// ResolveConflict marks a conflict resolved with free-form text. No events
// are modified.
func (s *InitialSync) ResolveConflict(ctx context.Context, userID, conflictID int64, resolution string) (*store.SyncConflict, error) {
	return s.conflicts.Resolve(ctx, userID, conflictID, resolution, s.now().UTC())
}

func (s *InitialSync) ListConflicts(ctx context.Context, userID int64, unresolvedOnly bool) ([]store.SyncConflict, error) {
	return s.conflicts.ListByOwner(ctx, userID, unresolvedOnly)
}
