package eventstore

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/syncq"
)

func validate(ev model.Event) error {
	if ev.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidEvent)
	}
	if ev.End.Before(ev.Start) {
		return fmt.Errorf("%w: end before start", ErrInvalidEvent)
	}
	return nil
}

// detachedError rejects edits of an instance that was published without its
// series master.
func detachedError(id model.Identity) error {
	return fmt.Errorf("%w: %s is a single instance of a series and is read-only", ErrInvalidEvent, id)
}

// writableLocked resolves the source of id and rejects read-only ones.
func (s *Store) writableLocked(sourceID string) (*sourceState, error) {
	st, ok := s.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	if !st.src.Writable {
		return nil, &NotWritableError{SourceID: sourceID}
	}
	return st, nil
}

// ApplyLocalCreate adds ev as pending-create and queues it. An empty UID is
// replaced by a fresh one; the returned item carries the final identity.
func (s *Store) ApplyLocalCreate(ev model.Event) (syncq.Item, error) {
	if err := validate(ev); err != nil {
		return syncq.Item{}, err
	}
	s.mu.Lock()
	st, err := s.writableLocked(ev.ID.SourceID)
	if err != nil {
		s.mu.Unlock()
		return syncq.Item{}, err
	}
	if ev.ID.CalendarID == "" {
		ev.ID.CalendarID = st.src.CalendarID
	}
	if ev.ID.UID == "" {
		ev.ID.UID = uuid.NewString()
	}
	prev, exists := s.events[ev.ID]
	if exists && prev.ev.Status != model.StatusPendingDelete {
		s.mu.Unlock()
		return syncq.Item{}, fmt.Errorf("%w: %s", ErrExists, ev.ID)
	}

	next := ev.Clone()
	next.Revision = ""
	next.Href = ""
	next.LocalModified = s.now()
	var shadow *model.Event
	if exists {
		next.Revision = prev.ev.Revision
		next.Href = prev.ev.Href
		shadow = prev.shadow
	}
	next.Status = model.StatusPendingCreate

	item, _, err := s.queue.Enqueue(next.ID, model.OpCreate, next)
	if err != nil {
		s.mu.Unlock()
		return syncq.Item{}, fmt.Errorf("queue create: %w", err)
	}
	next.Status = s.queue.StatusOf(item)
	s.seq++
	s.events[next.ID] = &entry{ev: next, shadow: shadow, gen: item.Generation, touched: s.seq}
	s.markDirtyLocked(next.ID.SourceID)
	s.mu.Unlock()

	s.publishEvent(next.ID, next.Status)
	return item, nil
}

// ApplyLocalUpdate replaces the content of an existing event and queues the
// update. A pending item for the same event is superseded, not stacked.
func (s *Store) ApplyLocalUpdate(ev model.Event) (syncq.Item, error) {
	if err := validate(ev); err != nil {
		return syncq.Item{}, err
	}
	s.mu.Lock()
	item, status, err := s.updateLocked(ev)
	s.mu.Unlock()
	if err != nil {
		return syncq.Item{}, err
	}
	s.publishEvent(ev.ID, status)
	return item, nil
}

func (s *Store) updateLocked(ev model.Event) (syncq.Item, model.SyncStatus, error) {
	if _, err := s.writableLocked(ev.ID.SourceID); err != nil {
		return syncq.Item{}, "", err
	}
	e, ok := s.events[ev.ID]
	if !ok {
		return syncq.Item{}, "", fmt.Errorf("%w: %s", ErrNotFound, ev.ID)
	}
	if e.ev.Detached() {
		return syncq.Item{}, "", detachedError(ev.ID)
	}

	next := ev.Clone()
	next.Revision = e.ev.Revision
	next.Href = e.ev.Href
	next.LocalModified = s.now()
	shadow := e.shadow
	if !e.ev.Status.Pending() {
		c := e.ev.Clone()
		shadow = &c
	}

	item, _, err := s.queue.Enqueue(next.ID, model.OpUpdate, next)
	if err != nil {
		return syncq.Item{}, "", fmt.Errorf("queue update: %w", err)
	}
	next.Status = s.queue.StatusOf(item)
	s.seq++
	*e = entry{ev: next, shadow: shadow, gen: item.Generation, touched: s.seq}
	s.markDirtyLocked(next.ID.SourceID)
	return item, next.Status, nil
}

// ApplyLocalDelete marks the event pending-delete; it stays visible until
// the server confirms. Deleting a never-synced event drops it right away.
func (s *Store) ApplyLocalDelete(id model.Identity) (syncq.Item, error) {
	s.mu.Lock()
	if _, err := s.writableLocked(id.SourceID); err != nil {
		s.mu.Unlock()
		return syncq.Item{}, err
	}
	e, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return syncq.Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.ev.Detached() {
		s.mu.Unlock()
		return syncq.Item{}, detachedError(id)
	}

	payload := e.ev.Clone()
	payload.LocalModified = s.now()
	item, collapsed, err := s.queue.Enqueue(id, model.OpDelete, payload)
	if err != nil {
		s.mu.Unlock()
		return syncq.Item{}, fmt.Errorf("queue delete: %w", err)
	}
	s.seq++
	s.markDirtyLocked(id.SourceID)
	if collapsed {
		delete(s.events, id)
		s.mu.Unlock()
		s.publish(Change{Kind: ChangeEvents, SourceID: id.SourceID})
		return item, nil
	}

	shadow := e.shadow
	if !e.ev.Status.Pending() {
		c := e.ev.Clone()
		shadow = &c
	}
	payload.Status = s.queue.StatusOf(item)
	*e = entry{ev: payload, shadow: shadow, gen: item.Generation, touched: s.seq}
	s.mu.Unlock()

	s.publishEvent(id, payload.Status)
	return item, nil
}

// DeleteOccurrence removes one instance of a recurring event by adding an
// exclusion date to its master, queued as an update of the master.
func (s *Store) DeleteOccurrence(id model.Identity, recurrenceID time.Time) (syncq.Item, error) {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return syncq.Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.ev.Recurring() {
		s.mu.Unlock()
		return syncq.Item{}, fmt.Errorf("%w: %s is not recurring", ErrInvalidEvent, id)
	}

	next := e.ev.Clone()
	found := false
	for _, ex := range next.ExDates {
		if ex.Equal(recurrenceID) {
			found = true
			break
		}
	}
	if !found {
		next.ExDates = append(next.ExDates, recurrenceID)
		sort.Slice(next.ExDates, func(i, j int) bool { return next.ExDates[i].Before(next.ExDates[j]) })
	}
	overrides := next.Overrides[:0]
	for _, o := range next.Overrides {
		if !o.RecurrenceID.Equal(recurrenceID) {
			overrides = append(overrides, o)
		}
	}
	next.Overrides = overrides

	item, status, err := s.updateLocked(next)
	s.mu.Unlock()
	if err != nil {
		return syncq.Item{}, err
	}
	s.publishEvent(id, status)
	return item, nil
}

// Revert drops the pending edit of id and restores the last known remote
// content. A never-synced event disappears.
func (s *Store) Revert(id model.Identity) error {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.ev.Status.Pending() {
		s.mu.Unlock()
		return nil
	}
	if _, err := s.queue.Remove(id); err != nil && !errors.Is(err, syncq.ErrNotFound) {
		s.mu.Unlock()
		return fmt.Errorf("revert: %w", err)
	}

	s.seq++
	switch {
	case e.shadow != nil:
		ev := e.shadow.Clone()
		ev.Status = model.StatusSynced
		*e = entry{ev: ev, touched: s.seq}
	case e.ev.Status == model.StatusPendingCreate:
		delete(s.events, id)
	default:
		// Remote content is unknown (restored from cache or deleted
		// upstream): drop it and let the next fetch bring it back.
		delete(s.events, id)
		if st, ok := s.sources[id.SourceID]; ok {
			st.coverage = nil
		}
	}
	s.markDirtyLocked(id.SourceID)
	s.mu.Unlock()

	appLog.Info("reverted pending edit", "source", id.SourceID, "uid", id.UID)
	s.publish(Change{Kind: ChangeEvents, SourceID: id.SourceID})
	return nil
}

// Retry clears a permanent failure or backoff of id so it is pushed on the
// next drain.
func (s *Store) Retry(id model.Identity) error {
	s.mu.RLock()
	_, ok := s.events[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Queue notifications re-enter the store, so no store lock here.
	if _, err := s.queue.Retry(id); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Acknowledged implements syncq.Notifier.
func (s *Store) Acknowledged(item syncq.Item, revision string) {
	id := item.Identity
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok || e.gen != item.Generation {
		s.mu.Unlock()
		return
	}
	s.seq++
	var status model.SyncStatus
	if item.Op == model.OpDelete {
		delete(s.events, id)
		s.tombstones[id] = tombstone{seq: s.seq, at: s.now()}
	} else {
		e.ev.Status = model.StatusSynced
		if revision != "" {
			e.ev.Revision = revision
		}
		e.shadow = nil
		e.gen = 0
		e.touched = s.seq
		status = model.StatusSynced
	}
	s.markDirtyLocked(id.SourceID)
	s.mu.Unlock()

	if status == "" {
		s.publish(Change{Kind: ChangeEvents, SourceID: id.SourceID})
		return
	}
	s.publishEvent(id, status)
}

// StatusChanged implements syncq.Notifier.
func (s *Store) StatusChanged(item syncq.Item, status model.SyncStatus) {
	id := item.Identity
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok || e.gen != item.Generation || e.ev.Status == status {
		s.mu.Unlock()
		return
	}
	e.ev.Status = status
	s.markDirtyLocked(id.SourceID)
	s.mu.Unlock()

	s.publishEvent(id, status)
}
