// Package syncq is the durable queue of local edits waiting to be pushed to
// writable sources.
package syncq

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

var ErrNotFound = errors.New("sync queue item not found")

// Policy holds the retry constants.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// WarnAfter is the number of attempts after which an item is surfaced
	// as sync-failed. It keeps being retried.
	WarnAfter int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 10 * time.Second,
		MaxInterval:     300 * time.Second,
		Multiplier:      2,
		WarnAfter:       5,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = max(d.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.WarnAfter <= 0 {
		p.WarnAfter = d.WarnAfter
	}
	return p
}

// Delay returns the wait after the given number of consecutive failures:
// min(max, initial * multiplier^(failures-1)).
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(failures-1))
	if d >= float64(p.MaxInterval) || math.IsInf(d, 1) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Item is one pending write. Only one exists per event identity.
type Item struct {
	ID        string          `json:"id"`
	Identity  model.Identity  `json:"identity"`
	Op        model.Operation `json:"op"`
	Payload   model.Event     `json:"payload"`
	Attempts  int             `json:"attempts"`
	NextRetry time.Time       `json:"next_retry"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	// Terminal marks a permanent failure; the item waits for the user.
	Terminal bool `json:"terminal,omitempty"`

	// Seq is the FIFO position, kept when a later edit replaces the payload.
	Seq uint64 `json:"seq"`
	// Generation changes on every replacement so an outcome for an older
	// payload can be told apart from one for the current payload.
	Generation uint64 `json:"generation"`

	// InFlight is held in memory only; after a restart the item is pending.
	InFlight bool `json:"-"`
}

// Notifier receives queue outcomes. It is called without the queue lock
// held.
type Notifier interface {
	// Acknowledged reports that item's payload reached the server.
	Acknowledged(item Item, revision string)
	// StatusChanged reports a new sync status for an identity.
	StatusChanged(item Item, status model.SyncStatus)
}

type state struct {
	Items      []Item `json:"items"`
	Seq        uint64 `json:"seq"`
	Generation uint64 `json:"generation"`
}

// Queue is a JSON-file backed queue. Every mutation is written (temp file +
// rename) before the call returns.
type Queue struct {
	path   string
	policy Policy
	now    func() time.Time

	mu       sync.Mutex
	items    map[model.Identity]*Item
	seq      uint64
	gen      uint64
	notifier Notifier
}

type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Open loads the queue at path, creating it on first use.
func Open(path string, policy Policy, opts ...Option) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("syncq: path is empty")
	}
	q := &Queue{
		path:   path,
		policy: policy.normalized(),
		now:    time.Now,
		items:  make(map[model.Identity]*Item),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("syncq: load %s: %w", path, err)
	}
	return q, nil
}

func (q *Queue) SetNotifier(n Notifier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifier = n
}

func (q *Queue) Policy() Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// SetPolicy swaps the retry constants. Already scheduled retries keep their
// deadline.
func (q *Queue) SetPolicy(p Policy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policy = p.normalized()
}

// StatusOf maps an item to the status shown on its event.
func (q *Queue) StatusOf(it Item) model.SyncStatus {
	q.mu.Lock()
	warnAfter := q.policy.WarnAfter
	q.mu.Unlock()
	return statusOf(it, warnAfter)
}

func statusOf(it Item, warnAfter int) model.SyncStatus {
	if it.Terminal || it.Attempts > warnAfter {
		return model.StatusSyncFailed
	}
	return it.Op.PendingStatus()
}

// Enqueue inserts or replaces the pending item for id. Successive edits
// collapse: an update onto a pending create stays a create, a delete onto a
// pending create cancels both (collapsed is true and nothing is queued), a
// delete onto a pending update becomes a delete. The attempt count resets
// and the item keeps its FIFO position.
func (q *Queue) Enqueue(id model.Identity, op model.Operation, payload model.Event) (item Item, collapsed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	prev, exists := q.items[id]
	var prevCopy Item
	if exists {
		prevCopy = *prev
	}
	prevSeq, prevGen := q.seq, q.gen

	if exists {
		switch {
		case prev.Op == model.OpCreate && op == model.OpDelete && !prev.InFlight:
			delete(q.items, id)
			if err := q.saveLocked(); err != nil {
				q.items[id] = &prevCopy
				return Item{}, false, err
			}
			return prevCopy, true, nil
		case prev.Op == model.OpCreate && op == model.OpUpdate && !prev.InFlight:
			op = model.OpCreate
		case prev.Op == model.OpDelete && op == model.OpCreate:
			op = model.OpUpdate
		}
		q.gen++
		prev.Op = op
		prev.Payload = payload.Clone()
		prev.Attempts = 0
		prev.NextRetry = now
		prev.LastError = ""
		prev.Terminal = false
		prev.Generation = q.gen
	} else {
		q.seq++
		q.gen++
		q.items[id] = &Item{
			ID:         uuid.NewString(),
			Identity:   id,
			Op:         op,
			Payload:    payload.Clone(),
			NextRetry:  now,
			CreatedAt:  now,
			Seq:        q.seq,
			Generation: q.gen,
		}
	}

	if err := q.saveLocked(); err != nil {
		if exists {
			*q.items[id] = prevCopy
		} else {
			delete(q.items, id)
		}
		q.seq, q.gen = prevSeq, prevGen
		return Item{}, false, err
	}
	return *q.items[id], false, nil
}

// NextReady returns the earliest-inserted item due at now.
func (q *Queue) NextReady(now time.Time) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.nextReadyLocked(now)
	if it == nil {
		return Item{}, false
	}
	return *it, true
}

func (q *Queue) nextReadyLocked(now time.Time) *Item {
	var best *Item
	for _, it := range q.items {
		if it.InFlight || it.Terminal || it.NextRetry.After(now) {
			continue
		}
		if best == nil || it.Seq < best.Seq {
			best = it
		}
	}
	return best
}

// Checkout is NextReady that also marks the item in-flight so the next
// call skips it.
func (q *Queue) Checkout(now time.Time) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.nextReadyLocked(now)
	if it == nil {
		return Item{}, false
	}
	it.InFlight = true
	return *it, true
}

// RecordSuccess removes the item when gen is still its current payload.
// If a newer edit replaced the payload meanwhile, the item stays queued for
// that edit and revision is dropped, which holds only while pushes are
// unconditional PUTs.
func (q *Queue) RecordSuccess(id string, gen uint64, revision string) error {
	q.mu.Lock()
	it := q.byIDLocked(id)
	if it == nil {
		q.mu.Unlock()
		return ErrNotFound
	}
	it.InFlight = false
	if it.Generation != gen {
		q.mu.Unlock()
		appLog.Debug("syncq ack for superseded payload", "uid", it.Identity.UID)
		return nil
	}
	done := *it
	delete(q.items, it.Identity)
	if err := q.saveLocked(); err != nil {
		q.items[done.Identity] = &done
		q.mu.Unlock()
		return err
	}
	n := q.notifier
	q.mu.Unlock()

	if n != nil {
		n.Acknowledged(done, revision)
	}
	return nil
}

// RecordFailure counts a transient failure and schedules the next attempt.
func (q *Queue) RecordFailure(id string, gen uint64, reason string) (Item, error) {
	q.mu.Lock()
	it := q.byIDLocked(id)
	if it == nil {
		q.mu.Unlock()
		return Item{}, ErrNotFound
	}
	it.InFlight = false
	if it.Generation != gen {
		out := *it
		q.mu.Unlock()
		return out, nil
	}

	prev := *it
	it.Attempts++
	it.NextRetry = q.now().Add(q.policy.Delay(it.Attempts))
	it.LastError = reason
	if err := q.saveLocked(); err != nil {
		*it = prev
		q.mu.Unlock()
		return Item{}, err
	}
	out := *it
	status := statusOf(out, q.policy.WarnAfter)
	crossed := out.Attempts == q.policy.WarnAfter+1
	n := q.notifier
	q.mu.Unlock()

	if crossed {
		appLog.Warn("sync keeps failing, still retrying", "uid", out.Identity.UID, "op", out.Op, "attempts", out.Attempts, "err", reason)
	}
	if n != nil {
		n.StatusChanged(out, status)
	}
	return out, nil
}

// RecordPermanentFailure parks the item until the user retries or reverts.
func (q *Queue) RecordPermanentFailure(id string, gen uint64, reason string) (Item, error) {
	q.mu.Lock()
	it := q.byIDLocked(id)
	if it == nil {
		q.mu.Unlock()
		return Item{}, ErrNotFound
	}
	it.InFlight = false
	if it.Generation != gen {
		out := *it
		q.mu.Unlock()
		return out, nil
	}
	prev := *it
	it.Attempts++
	it.Terminal = true
	it.LastError = reason
	if err := q.saveLocked(); err != nil {
		*it = prev
		q.mu.Unlock()
		return Item{}, err
	}
	out := *it
	n := q.notifier
	q.mu.Unlock()

	appLog.Warn("sync rejected by server, waiting for user", "uid", out.Identity.UID, "op", out.Op, "err", reason)
	if n != nil {
		n.StatusChanged(out, model.StatusSyncFailed)
	}
	return out, nil
}

// Release returns a checked-out item to pending without counting an
// attempt, e.g. when the push was cancelled by shutdown.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it := q.byIDLocked(id); it != nil {
		it.InFlight = false
	}
}

// Retry makes a parked or backing-off item due immediately.
func (q *Queue) Retry(id model.Identity) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return Item{}, ErrNotFound
	}
	prev := *it
	it.Terminal = false
	it.Attempts = 0
	it.NextRetry = q.now()
	it.LastError = ""
	if err := q.saveLocked(); err != nil {
		*it = prev
		q.mu.Unlock()
		return Item{}, err
	}
	out := *it
	n := q.notifier
	q.mu.Unlock()

	if n != nil {
		n.StatusChanged(out, out.Op.PendingStatus())
	}
	return out, nil
}

// Remove drops the item for id, e.g. when the user reverts the edit.
func (q *Queue) Remove(id model.Identity) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	out := *it
	delete(q.items, id)
	if err := q.saveLocked(); err != nil {
		q.items[id] = &out
		return Item{}, err
	}
	return out, nil
}

// Satisfy drops a pending item whose effect is already visible remotely.
// An in-flight item is left for its outcome to settle.
func (q *Queue) Satisfy(id model.Identity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok || it.InFlight {
		return false
	}
	out := *it
	delete(q.items, id)
	if err := q.saveLocked(); err != nil {
		q.items[id] = &out
		appLog.Error("syncq persist failed", err, "uid", id.UID)
		return false
	}
	return true
}

// DiscardSource drops every item targeting sourceID and returns them.
func (q *Queue) DiscardSource(sourceID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := make([]Item, 0)
	for id, it := range q.items {
		if id.SourceID == sourceID {
			dropped = append(dropped, *it)
		}
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	for _, it := range dropped {
		delete(q.items, it.Identity)
	}
	if err := q.saveLocked(); err != nil {
		for i := range dropped {
			it := dropped[i]
			q.items[it.Identity] = &it
		}
		return nil, err
	}
	sortBySeq(dropped)
	return dropped, nil
}

func (q *Queue) Get(id model.Identity) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Items returns a snapshot in FIFO order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	sortBySeq(out)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) byIDLocked(id string) *Item {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func sortBySeq(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot state
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.seq, q.gen = snapshot.Seq, snapshot.Generation
	for i := range snapshot.Items {
		it := snapshot.Items[i]
		q.items[it.Identity] = &it
		q.seq = max(q.seq, it.Seq)
		q.gen = max(q.gen, it.Generation)
	}
	if len(q.items) > 0 {
		appLog.Info("syncq restored pending items", "count", len(q.items))
	}
	return nil
}

func (q *Queue) saveLocked() error {
	snapshot := state{
		Items:      make([]Item, 0, len(q.items)),
		Seq:        q.seq,
		Generation: q.gen,
	}
	for _, it := range q.items {
		snapshot.Items = append(snapshot.Items, *it)
	}
	sortBySeq(snapshot.Items)

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o700); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
