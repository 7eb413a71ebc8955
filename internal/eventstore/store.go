// Package eventstore is the local cache of normalized events across every
// configured source. Reads never touch the network; local edits are applied
// optimistically and mirrored into the sync queue.
package eventstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"calsync/internal/cache"
	"calsync/internal/model"
	"calsync/internal/recur"
	"calsync/internal/remote"
	"calsync/internal/syncq"
)

var (
	ErrNotFound      = errors.New("event not found")
	ErrUnknownSource = errors.New("unknown calendar source")
	ErrExists        = errors.New("event already exists")
	ErrInvalidEvent  = errors.New("invalid event")
)

// NotWritableError is returned for edits against a read-only source.
type NotWritableError struct {
	SourceID string
}

func (e *NotWritableError) Error() string {
	return fmt.Sprintf("calendar source %s is read-only", e.SourceID)
}

const (
	tombstoneTTL = 10 * time.Minute
	missDedupe   = 30 * time.Second
)

// Options wires a Store. Fetcher and Queue are required.
type Options struct {
	Fetcher  remote.Fetcher
	Queue    *syncq.Queue
	Expander *recur.Expander
	// Cache is optional; without it nothing survives a restart but the queue.
	Cache cache.Backend
	// StateFile keeps user toggles (visibility, color) across reloads.
	StateFile string
	Now       func() time.Time
}

// SourceMeta is the sync bookkeeping of one source.
type SourceMeta struct {
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	// Degraded sources failed permanently and are not fetched again until
	// the configuration is re-applied.
	Degraded bool `json:"degraded"`
}

// SourceInfo is the public view of a configured source.
type SourceInfo struct {
	model.CalendarSource
	SourceMeta
	Windows []model.Window `json:"windows"`
	Events  int            `json:"events"`
}

// Stats summarizes one reconcile.
type Stats struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Conflicts int `json:"conflicts"`
}

func (s Stats) changed() bool {
	return s.Added+s.Updated+s.Deleted > 0
}

type sourceState struct {
	src         model.CalendarSource
	coverage    coverage
	meta        SourceMeta
	degradedErr error
}

type entry struct {
	ev model.Event
	// shadow is the last known remote content while a local edit is pending.
	shadow *model.Event
	// gen is the queue generation the current local content was enqueued as.
	gen uint64
	// touched is the store sequence of the last change to this entry.
	touched uint64
}

type tombstone struct {
	seq uint64
	at  time.Time
}

type Store struct {
	fetcher   remote.Fetcher
	queue     *syncq.Queue
	expander  *recur.Expander
	backend   cache.Backend
	stateFile string
	now       func() time.Time

	mu         sync.RWMutex
	sources    map[string]*sourceState
	events     map[model.Identity]*entry
	tombstones map[model.Identity]tombstone
	seq        uint64
	dirty      map[string]bool
	removed    map[string]bool
	prefs      map[string]sourcePref

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int

	missMu   sync.Mutex
	misses   chan Miss
	missSeen map[Miss]time.Time
}

func New(opts Options) (*Store, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("eventstore: fetcher is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("eventstore: queue is required")
	}
	if opts.Expander == nil {
		opts.Expander = recur.New(time.Local)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		fetcher:    opts.Fetcher,
		queue:      opts.Queue,
		expander:   opts.Expander,
		backend:    opts.Cache,
		stateFile:  strings.TrimSpace(opts.StateFile),
		now:        opts.Now,
		sources:    make(map[string]*sourceState),
		events:     make(map[model.Identity]*entry),
		tombstones: make(map[model.Identity]tombstone),
		dirty:      make(map[string]bool),
		removed:    make(map[string]bool),
		prefs:      make(map[string]sourcePref),
		subs:       make(map[int]chan Change),
		misses:     make(chan Miss, 64),
		missSeen:   make(map[Miss]time.Time),
	}
	if err := s.loadPrefs(); err != nil {
		return nil, fmt.Errorf("eventstore: load state: %w", err)
	}
	s.queue.SetNotifier(s)
	return s, nil
}

// Query returns the occurrences overlapping [from, to) of visible sources,
// optionally restricted to sourceFilter, ordered by start. It only reads
// the cache. Parts of the range that are not cached yet are reported on
// Misses.
func (s *Store) Query(from, to time.Time, sourceFilter []string) []model.Occurrence {
	w := model.Window{From: from, To: to}
	out := make([]model.Occurrence, 0)
	if w.Empty() {
		return out
	}
	allowed := make(map[string]bool, len(sourceFilter))
	for _, id := range sourceFilter {
		allowed[id] = true
	}

	var misses []Miss
	s.mu.RLock()
	for id, st := range s.sources {
		if !st.src.Visible || (len(allowed) > 0 && !allowed[id]) || st.meta.Degraded {
			continue
		}
		for _, m := range st.coverage.missing(w) {
			misses = append(misses, Miss{SourceID: id, From: m.From, To: m.To})
		}
	}
	for _, e := range s.events {
		st := s.sources[e.ev.ID.SourceID]
		if st == nil || !st.src.Visible || (len(allowed) > 0 && !allowed[st.src.ID]) {
			continue
		}
		for occ := range s.expander.Expand(e.ev, from, to).All() {
			occ.Color = st.src.Color
			out = append(out, occ)
		}
	}
	s.mu.RUnlock()

	s.reportMisses(misses)

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		if a.ID != b.ID {
			return a.ID.String() < b.ID.String()
		}
		return a.InstanceKey < b.InstanceKey
	})
	return out
}

// Get returns the cached event for id.
func (s *Store) Get(id model.Identity) (model.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return model.Event{}, false
	}
	return e.ev.Clone(), true
}

// Sources lists the configured sources with their sync metadata.
func (s *Store) Sources() []SourceInfo {
	s.mu.RLock()
	counts := make(map[string]int, len(s.sources))
	for id := range s.events {
		counts[id.SourceID]++
	}
	out := make([]SourceInfo, 0, len(s.sources))
	for id, st := range s.sources {
		out = append(out, SourceInfo{
			CalendarSource: st.src,
			SourceMeta:     st.meta,
			Windows:        append([]model.Window(nil), st.coverage...),
			Events:         counts[id],
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Source returns one configured source.
func (s *Store) Source(id string) (model.CalendarSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sources[id]
	if !ok {
		return model.CalendarSource{}, false
	}
	return st.src, true
}

func (s *Store) markDirtyLocked(sourceID string) {
	s.dirty[sourceID] = true
}

func (s *Store) pruneTombstonesLocked(now time.Time) {
	for id, t := range s.tombstones {
		if now.Sub(t.at) > tombstoneTTL {
			delete(s.tombstones, id)
		}
	}
}
