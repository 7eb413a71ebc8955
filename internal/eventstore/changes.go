package eventstore

import (
	"time"

	"calsync/internal/model"
)

type ChangeKind string

const (
	ChangeEvents  ChangeKind = "events"
	ChangeStatus  ChangeKind = "status"
	ChangeSources ChangeKind = "sources"
)

// Change is broadcast after every mutation of the store.
type Change struct {
	Kind     ChangeKind       `json:"kind"`
	SourceID string           `json:"source_id,omitempty"`
	Identity *model.Identity  `json:"identity,omitempty"`
	Status   model.SyncStatus `json:"status,omitempty"`
	At       time.Time        `json:"at"`
}

// Miss is a range a query asked for that is not cached yet.
type Miss struct {
	SourceID string
	From     time.Time
	To       time.Time
}

// Subscribe returns a change feed. Slow subscribers lose changes rather
// than block the store. cancel closes the channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 32)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) publish(c Change) {
	if c.At.IsZero() {
		c.At = s.now()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Store) publishEvent(id model.Identity, status model.SyncStatus) {
	s.publish(Change{Kind: ChangeStatus, SourceID: id.SourceID, Identity: &id, Status: status})
}

// Misses delivers uncached ranges hit by Query so a background worker can
// extend the cache.
func (s *Store) Misses() <-chan Miss {
	return s.misses
}

func (s *Store) reportMisses(misses []Miss) {
	if len(misses) == 0 {
		return
	}
	now := s.now()
	s.missMu.Lock()
	defer s.missMu.Unlock()
	for m, at := range s.missSeen {
		if now.Sub(at) > missDedupe {
			delete(s.missSeen, m)
		}
	}
	for _, m := range misses {
		if _, ok := s.missSeen[m]; ok {
			continue
		}
		select {
		case s.misses <- m:
			s.missSeen[m] = now
		default:
		}
	}
}
