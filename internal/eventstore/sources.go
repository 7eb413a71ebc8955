package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/syncq"
)

// ApplySources replaces the configured source set. Sources that stay keep
// their cache and pending edits. Removed sources lose both; every discarded
// pending edit is logged as a warning. Degraded sources get another chance.
func (s *Store) ApplySources(srcs []model.CalendarSource) (removed []model.CalendarSource, discarded []syncq.Item) {
	s.mu.Lock()
	next := make(map[string]*sourceState, len(srcs))
	for _, src := range srcs {
		if src.ID == "" {
			continue
		}
		s.applyPrefLocked(&src)
		if st, ok := s.sources[src.ID]; ok {
			st.src = src
			st.meta.Degraded = false
			st.degradedErr = nil
			next[src.ID] = st
			continue
		}
		next[src.ID] = &sourceState{src: src}
		delete(s.removed, src.ID)
	}

	for id, st := range s.sources {
		if _, ok := next[id]; ok {
			continue
		}
		removed = append(removed, st.src)
		for eid := range s.events {
			if eid.SourceID == id {
				delete(s.events, eid)
			}
		}
		delete(s.dirty, id)
		s.removed[id] = true

		items, err := s.queue.DiscardSource(id)
		if err != nil {
			appLog.Error("discard pending edits of removed source", err, "source", id)
		}
		discarded = append(discarded, items...)
	}
	s.sources = next
	s.seq++
	s.mu.Unlock()

	for _, src := range removed {
		appLog.Info("calendar source removed", "source", src.ID, "name", src.Name)
	}
	for _, it := range discarded {
		appLog.Warn("discarded pending edit for removed source", "source", it.Identity.SourceID, "uid", it.Identity.UID, "op", it.Op, "title", it.Payload.Title)
	}
	s.publish(Change{Kind: ChangeSources})
	return removed, discarded
}

// Restore fills the given sources from the persisted cache and overlays the
// queued edits, so the store renders before the first fetch. Restored data
// does not count as cached coverage.
func (s *Store) Restore(ctx context.Context, sourceIDs ...string) error {
	loaded := make(map[string][]model.Event, len(sourceIDs))
	var errs []error
	if s.backend != nil {
		for _, id := range sourceIDs {
			events, err := s.backend.LoadEvents(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
				continue
			}
			loaded[id] = events
		}
	}

	wanted := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = true
	}
	items := s.queue.Items()

	s.mu.Lock()
	restored := 0
	for _, id := range sourceIDs {
		if _, ok := s.sources[id]; !ok {
			continue
		}
		for _, ev := range loaded[id] {
			if _, ok := s.events[ev.ID]; ok {
				continue
			}
			// An edit acknowledged before the last flush has no queue
			// item left; the item overlay below fixes the rest.
			ev.Status = model.StatusSynced
			s.events[ev.ID] = &entry{ev: ev}
			restored++
		}
	}
	for _, it := range items {
		if !wanted[it.Identity.SourceID] {
			continue
		}
		if _, ok := s.sources[it.Identity.SourceID]; !ok {
			continue
		}
		ev := it.Payload.Clone()
		ev.ID = it.Identity
		ev.Status = s.queue.StatusOf(it)
		if e, ok := s.events[it.Identity]; ok {
			if !e.ev.Status.Pending() {
				ev.Revision = e.ev.Revision
				ev.Href = e.ev.Href
			}
			e.ev = ev
			e.gen = it.Generation
			continue
		}
		s.events[it.Identity] = &entry{ev: ev, gen: it.Generation}
		restored++
	}
	s.mu.Unlock()

	if restored > 0 {
		appLog.Info("restored cached events", "count", restored, "sources", len(sourceIDs))
		s.publish(Change{Kind: ChangeEvents})
	}
	return errors.Join(errs...)
}

// Flush writes every source changed since the last flush to the persisted
// cache. The writes happen outside the store lock.
func (s *Store) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.mu.Lock()
	snapshot := make(map[string][]model.Event, len(s.dirty))
	for id := range s.dirty {
		snapshot[id] = make([]model.Event, 0)
	}
	for id, e := range s.events {
		if events, ok := snapshot[id.SourceID]; ok {
			snapshot[id.SourceID] = append(events, e.ev.Clone())
		}
	}
	removed := make([]string, 0, len(s.removed))
	for id := range s.removed {
		removed = append(removed, id)
	}
	s.dirty = make(map[string]bool)
	s.removed = make(map[string]bool)
	s.mu.Unlock()

	var errs []error
	var failed []string
	for id, events := range snapshot {
		if err := s.backend.SaveEvents(ctx, id, events); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
			failed = append(failed, id)
		}
	}
	for _, id := range removed {
		if err := s.backend.DeleteSource(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", id, err))
		}
	}
	if len(failed) > 0 {
		s.mu.Lock()
		for _, id := range failed {
			if _, ok := s.sources[id]; ok {
				s.dirty[id] = true
			}
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

type sourcePref struct {
	Visible *bool  `json:"visible,omitempty"`
	Color   string `json:"color,omitempty"`
}

func (s *Store) applyPrefLocked(src *model.CalendarSource) {
	p, ok := s.prefs[src.ID]
	if !ok {
		return
	}
	if p.Visible != nil {
		src.Visible = *p.Visible
	}
	if p.Color != "" {
		src.Color = p.Color
	}
}

// SetVisibility shows or hides a source in query results.
func (s *Store) SetVisibility(sourceID string, visible bool) error {
	return s.updatePref(sourceID, func(p *sourcePref, src *model.CalendarSource) {
		p.Visible = &visible
		src.Visible = visible
	})
}

// SetColor overrides the configured color of a source.
func (s *Store) SetColor(sourceID, color string) error {
	return s.updatePref(sourceID, func(p *sourcePref, src *model.CalendarSource) {
		p.Color = color
		src.Color = color
	})
}

func (s *Store) updatePref(sourceID string, apply func(*sourcePref, *model.CalendarSource)) error {
	s.mu.Lock()
	st, ok := s.sources[sourceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	prev, hadPrev := s.prefs[sourceID]
	prevSrc := st.src
	p := prev
	apply(&p, &st.src)
	s.prefs[sourceID] = p
	if err := s.savePrefsLocked(); err != nil {
		st.src = prevSrc
		if hadPrev {
			s.prefs[sourceID] = prev
		} else {
			delete(s.prefs, sourceID)
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeSources, SourceID: sourceID})
	return nil
}

func (s *Store) loadPrefs() error {
	if s.stateFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.prefs)
}

func (s *Store) savePrefsLocked() error {
	if s.stateFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.prefs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o700); err != nil {
		return err
	}
	tmp := s.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.stateFile)
}
