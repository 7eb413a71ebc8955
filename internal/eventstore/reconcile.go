package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/remote"
)

// LoadWindow makes sure [from, to) is cached for sourceID, fetching the
// missing part. On failure the previously cached ranges stay as they are.
func (s *Store) LoadWindow(ctx context.Context, sourceID string, from, to time.Time) error {
	w := model.Window{From: from, To: to}
	if w.Empty() {
		return nil
	}

	s.mu.RLock()
	st, ok := s.sources[sourceID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	if st.meta.Degraded {
		err := st.degradedErr
		s.mu.RUnlock()
		return err
	}
	missing := st.coverage.missing(w)
	src := st.src
	ticket := s.seq
	s.mu.RUnlock()

	if len(missing) == 0 {
		return nil
	}
	return s.fetchAndReconcile(ctx, src, span(missing), ticket)
}

// Refresh refetches everything cached for sourceID.
func (s *Store) Refresh(ctx context.Context, sourceID string) error {
	s.mu.RLock()
	st, ok := s.sources[sourceID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	if st.meta.Degraded {
		s.mu.RUnlock()
		return nil
	}
	w := span(st.coverage)
	src := st.src
	ticket := s.seq
	s.mu.RUnlock()

	if w.Empty() {
		return nil
	}
	return s.fetchAndReconcile(ctx, src, w, ticket)
}

func (s *Store) fetchAndReconcile(ctx context.Context, src model.CalendarSource, w model.Window, ticket uint64) error {
	fetched, err := s.fetcher.Fetch(ctx, src, w.From, w.To)
	if err != nil {
		var fe *remote.FetchError
		if !errors.As(err, &fe) {
			err = remote.NewFetchError(src.ID, err)
		}
		s.recordFetchFailure(src.ID, err)
		return err
	}
	_, err = s.reconcile(src.ID, w, fetched, ticket)
	return err
}

func (s *Store) recordFetchFailure(sourceID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	st, ok := s.sources[sourceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.meta.LastAttempt = s.now()
	st.meta.LastError = err.Error()
	permanent := remote.IsPermanent(err)
	if permanent {
		st.meta.Degraded = true
		st.degradedErr = err
	}
	s.mu.Unlock()

	if permanent {
		appLog.Warn("calendar source degraded, not retrying until config changes", "source", sourceID, "err", err)
	} else {
		appLog.Warn("calendar fetch failed, keeping cached events", "source", sourceID, "err", err)
	}
	s.publish(Change{Kind: ChangeSources, SourceID: sourceID})
}

// Reconcile merges events fetched for window w of sourceID into the cache.
// Pending local edits win over remote content, which is kept as a shadow.
func (s *Store) Reconcile(sourceID string, w model.Window, fetched []model.Event) (Stats, error) {
	s.mu.RLock()
	ticket := s.seq
	s.mu.RUnlock()
	return s.reconcile(sourceID, w, fetched, ticket)
}

// reconcile ignores entries changed after ticket: the fetch started before
// that change and cannot know about it.
func (s *Store) reconcile(sourceID string, w model.Window, fetched []model.Event, ticket uint64) (Stats, error) {
	var stats Stats
	now := s.now()

	s.mu.Lock()
	st, ok := s.sources[sourceID]
	if !ok {
		s.mu.Unlock()
		return stats, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	s.pruneTombstonesLocked(now)
	s.seq++
	seq := s.seq

	seen := make(map[model.Identity]struct{}, len(fetched))
	for _, fe := range fetched {
		remoteEv := fe.Clone()
		remoteEv.ID.SourceID = sourceID
		remoteEv.Status = model.StatusSynced
		remoteEv.LocalModified = time.Time{}
		id := remoteEv.ID
		seen[id] = struct{}{}

		if t, ok := s.tombstones[id]; ok && t.seq > ticket {
			continue
		}
		e, ok := s.events[id]
		if !ok {
			s.events[id] = &entry{ev: remoteEv, touched: seq}
			stats.Added++
			continue
		}
		if e.touched > ticket {
			continue
		}

		if !e.ev.Status.Pending() {
			if e.ev.Revision != remoteEv.Revision || !e.ev.SameContent(remoteEv) {
				e.ev = remoteEv
				e.touched = seq
				stats.Updated++
			}
			continue
		}

		if e.ev.Status == model.StatusPendingCreate && e.ev.SameContent(remoteEv) && s.settleLocked(id) {
			e.ev = remoteEv
			e.shadow = nil
			e.gen = 0
			e.touched = seq
			stats.Updated++
			continue
		}
		if (e.shadow != nil && e.shadow.Revision != remoteEv.Revision) ||
			(e.shadow == nil && !e.ev.SameContent(remoteEv)) {
			stats.Conflicts++
		}
		shadow := remoteEv
		e.shadow = &shadow
	}

	for id, e := range s.events {
		if id.SourceID != sourceID || e.touched > ticket {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		probe := e.ev
		if e.shadow != nil {
			probe = *e.shadow
		}
		if !s.expander.Overlaps(probe, w) {
			continue
		}
		switch e.ev.Status {
		case model.StatusSynced, "":
			delete(s.events, id)
			stats.Deleted++
		case model.StatusPendingDelete:
			if s.settleLocked(id) {
				delete(s.events, id)
				stats.Deleted++
			}
		case model.StatusPendingCreate:
		default:
			if e.shadow != nil {
				appLog.Warn("event deleted upstream while a local edit is pending", "source", sourceID, "uid", id.UID)
				e.shadow = nil
				stats.Conflicts++
			}
		}
	}

	st.coverage = st.coverage.add(w)
	st.meta.LastAttempt = now
	st.meta.LastSuccess = now
	st.meta.LastError = ""
	st.meta.Degraded = false
	st.degradedErr = nil
	s.markDirtyLocked(sourceID)
	s.mu.Unlock()

	if stats.changed() || stats.Conflicts > 0 {
		appLog.Info("reconciled source", "source", sourceID, "added", stats.Added, "updated", stats.Updated, "deleted", stats.Deleted, "conflicts", stats.Conflicts)
	} else {
		appLog.Debug("reconciled source, no changes", "source", sourceID, "fetched", len(fetched))
	}
	s.publish(Change{Kind: ChangeEvents, SourceID: sourceID})
	return stats, nil
}

// settleLocked drops the queue item for id because the server already shows
// its effect. It reports false while a push for id is still in flight.
func (s *Store) settleLocked(id model.Identity) bool {
	if _, ok := s.queue.Get(id); !ok {
		return true
	}
	return s.queue.Satisfy(id)
}
