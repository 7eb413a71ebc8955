package eventstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"calsync/internal/cache"
	"calsync/internal/model"
	"calsync/internal/recur"
	"calsync/internal/remote"
	"calsync/internal/syncq"
)

var (
	work = model.CalendarSource{
		ID: "caldav:work:/cal/home/", Name: "Work", Kind: model.SourceCalDAV,
		Writable: true, Visible: true, Account: "work", CalendarID: "/cal/home/", Color: "#4285f4",
	}
	holidays = model.CalendarSource{
		ID: "ics:holidays", Name: "Holidays", Kind: model.SourceICS,
		Visible: true, CalendarID: "holidays", Color: "#34a853",
	}
	testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	march   = model.Window{From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	april   = model.Window{From: march.To, To: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
)

type fakeFetcher struct {
	mu     sync.Mutex
	events map[string][]model.Event
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, src model.CalendarSource, _, _ time.Time) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.Event, 0, len(f.events[src.ID]))
	for _, ev := range f.events[src.ID] {
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (f *fakeFetcher) set(sourceID string, events ...model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string][]model.Event)
	}
	f.events[sourceID] = events
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func event(src model.CalendarSource, uid, title string, start time.Time, d time.Duration) model.Event {
	return model.Event{
		ID:       model.Identity{SourceID: src.ID, CalendarID: src.CalendarID, UID: uid},
		Title:    title,
		Start:    start,
		End:      start.Add(d),
		Revision: "r1",
		Status:   model.StatusSynced,
	}
}

func standup() model.Event {
	ev := event(work, "standup", "Standup", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), 15*time.Minute)
	ev.RRule = "FREQ=WEEKLY"
	return ev
}

type harness struct {
	store   *Store
	queue   *syncq.Queue
	fetcher *fakeFetcher
	dir     string
}

func newHarness(t *testing.T, backend cache.Backend) *harness {
	t.Helper()
	dir := t.TempDir()
	return openHarness(t, dir, backend, &fakeFetcher{})
}

func openHarness(t *testing.T, dir string, backend cache.Backend, f *fakeFetcher) *harness {
	t.Helper()
	q, err := syncq.Open(filepath.Join(dir, "queue.json"), syncq.DefaultPolicy(), syncq.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	s, err := New(Options{
		Fetcher:   f,
		Queue:     q,
		Expander:  recur.New(time.UTC),
		Cache:     backend,
		StateFile: filepath.Join(dir, "state.json"),
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.ApplySources([]model.CalendarSource{work, holidays})
	return &harness{store: s, queue: q, fetcher: f, dir: dir}
}

// ack pushes the next ready item as if the server accepted it.
func (h *harness) ack(t *testing.T, revision string) syncq.Item {
	t.Helper()
	it, ok := h.queue.Checkout(testNow)
	if !ok {
		t.Fatalf("expected a ready queue item")
	}
	if err := h.queue.RecordSuccess(it.ID, it.Generation, revision); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	return it
}

func TestLoadWindowThenQueryIsComplete(t *testing.T) {
	h := newHarness(t, nil)
	lunch := event(work, "lunch", "Lunch", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), time.Hour)
	later := event(work, "later", "Later", time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC), time.Hour)
	h.fetcher.set(work.ID, standup(), lunch, later)

	ctx := context.Background()
	if err := h.store.LoadWindow(ctx, work.ID, march.From, march.To); err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	got := h.store.Query(march.From, march.To, nil)
	if len(got) != 6 {
		t.Fatalf("expected 5 standups and lunch, got %d: %+v", len(got), got)
	}
	for i, occ := range got {
		if !march.Overlaps(occ.Start, occ.End) {
			t.Fatalf("occurrence outside window: %+v", occ)
		}
		if i > 0 && occ.Start.Before(got[i-1].Start) {
			t.Fatalf("results not ordered by start")
		}
		if occ.Color != work.Color {
			t.Fatalf("expected source color, got %q", occ.Color)
		}
	}
	if got[2].Title != "Lunch" {
		t.Fatalf("expected lunch third, got %q", got[2].Title)
	}

	// A covered sub-range is served from the cache.
	if err := h.store.LoadWindow(ctx, work.ID, march.From.AddDate(0, 0, 7), march.To); err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if h.fetcher.count() != 1 {
		t.Fatalf("expected 1 fetch, got %d", h.fetcher.count())
	}

	if got := h.store.Query(march.From, march.To, []string{holidays.ID}); len(got) != 0 {
		t.Fatalf("source filter ignored: %d results", len(got))
	}
}

func TestLoadWindowFailureKeepsCachedRange(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.set(work.ID, standup())
	ctx := context.Background()
	if err := h.store.LoadWindow(ctx, work.ID, march.From, march.To); err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}

	h.fetcher.fail(remote.NewFetchError(work.ID, &remote.StatusError{StatusCode: 503, Status: "503 Service Unavailable"}))
	err := h.store.LoadWindow(ctx, work.ID, april.From, april.To)
	var fe *remote.FetchError
	if !errors.As(err, &fe) || fe.Kind != remote.Transient {
		t.Fatalf("expected transient FetchError, got %v", err)
	}
	if got := h.store.Query(march.From, march.To, nil); len(got) != 5 {
		t.Fatalf("cached range lost after failure: %d", len(got))
	}

	h.fetcher.fail(&remote.StatusError{StatusCode: 401, Status: "401 Unauthorized"})
	err = h.store.LoadWindow(ctx, work.ID, april.From, april.To)
	if !remote.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	calls := h.fetcher.count()
	if err := h.store.LoadWindow(ctx, work.ID, april.From, april.To); !remote.IsPermanent(err) {
		t.Fatalf("degraded source should keep failing, got %v", err)
	}
	if h.fetcher.count() != calls {
		t.Fatalf("degraded source was fetched again")
	}
	for _, info := range h.store.Sources() {
		if info.ID == work.ID && !info.Degraded {
			t.Fatalf("expected %s degraded", work.ID)
		}
	}

	// Re-applying the configuration gives the source another chance.
	h.fetcher.fail(nil)
	h.store.ApplySources([]model.CalendarSource{work, holidays})
	if err := h.store.LoadWindow(ctx, work.ID, april.From, april.To); err != nil {
		t.Fatalf("LoadWindow after reload: %v", err)
	}
}

func TestLocalEditWinsOverStaleReconcile(t *testing.T) {
	h := newHarness(t, nil)
	orig := standup()
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{orig}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	edited := orig.Clone()
	edited.Title = "Standup (moved)"
	edited.Start = edited.Start.Add(time.Hour)
	edited.End = edited.End.Add(time.Hour)
	if _, err := h.store.ApplyLocalUpdate(edited); err != nil {
		t.Fatalf("ApplyLocalUpdate: %v", err)
	}

	stale := orig.Clone()
	stale.Title = "Standup (remote)"
	stale.Revision = "r2"
	stats, err := h.store.Reconcile(work.ID, march, []model.Event{stale})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.Conflicts != 1 || stats.Updated != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	got, _ := h.store.Get(orig.ID)
	if got.Title != edited.Title || got.Status != model.StatusPendingUpdate {
		t.Fatalf("local edit reverted: %+v", got)
	}

	h.ack(t, "r3")
	got, _ = h.store.Get(orig.ID)
	if got.Title != edited.Title || got.Status != model.StatusSynced || got.Revision != "r3" {
		t.Fatalf("expected synced local content, got %+v", got)
	}
}

func TestPendingCreateSatisfiedByFetch(t *testing.T) {
	h := newHarness(t, nil)
	ev := event(work, "", "Dentist", time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC), time.Hour)
	item, err := h.store.ApplyLocalCreate(ev)
	if err != nil {
		t.Fatalf("ApplyLocalCreate: %v", err)
	}
	if item.Identity.UID == "" || item.Op != model.OpCreate {
		t.Fatalf("unexpected item: %+v", item)
	}
	got, _ := h.store.Get(item.Identity)
	if got.Status != model.StatusPendingCreate {
		t.Fatalf("expected pending-create, got %s", got.Status)
	}

	remoteCopy := ev.Clone()
	remoteCopy.ID = item.Identity
	remoteCopy.Revision = "etag-1"
	stats, err := h.store.Reconcile(work.ID, march, []model.Event{remoteCopy})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ = h.store.Get(item.Identity)
	if got.Status != model.StatusSynced || got.Revision != "etag-1" || stats.Updated != 1 {
		t.Fatalf("expected satisfied create, got %+v stats %+v", got, stats)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue item should be satisfied, len=%d", h.queue.Len())
	}
}

func TestPendingDeleteStaysVisibleUntilAcked(t *testing.T) {
	h := newHarness(t, nil)
	lunch := event(work, "lunch", "Lunch", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), time.Hour)
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{lunch}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	ticket := h.store.seq

	if _, err := h.store.ApplyLocalDelete(lunch.ID); err != nil {
		t.Fatalf("ApplyLocalDelete: %v", err)
	}
	got := h.store.Query(march.From, march.To, nil)
	if len(got) != 1 || got[0].Status != model.StatusPendingDelete {
		t.Fatalf("pending delete should stay visible: %+v", got)
	}

	h.ack(t, "")
	if _, ok := h.store.Get(lunch.ID); ok {
		t.Fatalf("acknowledged delete should purge the event")
	}

	// A fetch that started before the delete was acknowledged still has
	// the event; it must not bring it back.
	if _, err := h.store.reconcile(work.ID, march, []model.Event{lunch}, ticket); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := h.store.Get(lunch.ID); ok {
		t.Fatalf("stale fetch resurrected a deleted event")
	}
}

func TestReconcileRemovesUpstreamDeletes(t *testing.T) {
	h := newHarness(t, nil)
	a := event(work, "a", "A", time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), time.Hour)
	b := event(work, "b", "B", time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), time.Hour)
	outside := event(work, "c", "C", time.Date(2026, 4, 4, 10, 0, 0, 0, time.UTC), time.Hour)
	if _, err := h.store.Reconcile(work.ID, model.Window{From: march.From, To: april.To}, []model.Event{a, b, outside}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	edited := b.Clone()
	edited.Title = "B edited"
	if _, err := h.store.ApplyLocalUpdate(edited); err != nil {
		t.Fatalf("ApplyLocalUpdate: %v", err)
	}

	stats, err := h.store.Reconcile(work.ID, march, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.Deleted != 1 {
		t.Fatalf("expected one upstream delete, got %+v", stats)
	}
	if _, ok := h.store.Get(a.ID); ok {
		t.Fatalf("synced event missing upstream should be removed")
	}
	if got, ok := h.store.Get(b.ID); !ok || got.Title != "B edited" {
		t.Fatalf("pending edit should survive upstream delete")
	}
	if _, ok := h.store.Get(outside.ID); !ok {
		t.Fatalf("event outside the fetched range was removed")
	}
}

func TestReadOnlySourceRejectsEdits(t *testing.T) {
	h := newHarness(t, nil)
	holiday := event(holidays, "easter", "Easter", time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC), 24*time.Hour)
	holiday.AllDay = true
	if _, err := h.store.Reconcile(holidays.ID, april, []model.Event{holiday}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	edited := holiday.Clone()
	edited.Title = "Easter Sunday"
	var nw *NotWritableError
	if _, err := h.store.ApplyLocalUpdate(edited); !errors.As(err, &nw) || nw.SourceID != holidays.ID {
		t.Fatalf("expected NotWritableError, got %v", err)
	}
	if _, err := h.store.ApplyLocalDelete(holiday.ID); !errors.As(err, &nw) {
		t.Fatalf("expected NotWritableError, got %v", err)
	}
	if _, err := h.store.ApplyLocalCreate(event(holidays, "x", "X", april.From, time.Hour)); !errors.As(err, &nw) {
		t.Fatalf("expected NotWritableError, got %v", err)
	}
	got, _ := h.store.Get(holiday.ID)
	if got.Title != "Easter" || got.Status != model.StatusSynced || h.queue.Len() != 0 {
		t.Fatalf("rejected edit had an effect: %+v queue=%d", got, h.queue.Len())
	}
}

func TestDetachedInstanceRejectsEdits(t *testing.T) {
	h := newHarness(t, nil)
	moved := event(work, "standup#20260309T090000Z", "Moved standup", time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), time.Hour)
	moved.RecurrenceID = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	moved.Href = "/cal/home/standup.ics"
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{moved}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	edited := moved.Clone()
	edited.RecurrenceID = time.Time{}
	edited.Title = "Renamed"
	if _, err := h.store.ApplyLocalUpdate(edited); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent on update, got %v", err)
	}
	if _, err := h.store.ApplyLocalDelete(moved.ID); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent on delete, got %v", err)
	}
	got, ok := h.store.Get(moved.ID)
	if !ok || got.Title != "Moved standup" || got.Status != model.StatusSynced || h.queue.Len() != 0 {
		t.Fatalf("rejected edit had an effect: %+v queue=%d", got, h.queue.Len())
	}
}

func TestDeleteOfUnsyncedCreateCollapses(t *testing.T) {
	h := newHarness(t, nil)
	item, err := h.store.ApplyLocalCreate(event(work, "tmp", "Tmp", time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), time.Hour))
	if err != nil {
		t.Fatalf("ApplyLocalCreate: %v", err)
	}
	if _, err := h.store.ApplyLocalDelete(item.Identity); err != nil {
		t.Fatalf("ApplyLocalDelete: %v", err)
	}
	if _, ok := h.store.Get(item.Identity); ok {
		t.Fatalf("never-synced event should disappear")
	}
	if h.queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", h.queue.Len())
	}
}

func TestApplySourcesDiscardsRemovedSource(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{standup()}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.store.ApplyLocalCreate(event(work, "n1", "New", time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), time.Hour)); err != nil {
		t.Fatalf("ApplyLocalCreate: %v", err)
	}

	removed, discarded := h.store.ApplySources([]model.CalendarSource{holidays})
	if len(removed) != 1 || removed[0].ID != work.ID {
		t.Fatalf("unexpected removed: %+v", removed)
	}
	if len(discarded) != 1 || discarded[0].Identity.UID != "n1" {
		t.Fatalf("unexpected discarded: %+v", discarded)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue should be empty")
	}
	if got := h.store.Query(march.From, march.To, nil); len(got) != 0 {
		t.Fatalf("events of removed source still visible: %d", len(got))
	}
	if _, err := h.store.Reconcile(work.ID, march, nil); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestRevertRestoresRemoteContent(t *testing.T) {
	h := newHarness(t, nil)
	orig := standup()
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{orig}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	edited := orig.Clone()
	edited.Title = "Renamed"
	if _, err := h.store.ApplyLocalUpdate(edited); err != nil {
		t.Fatalf("ApplyLocalUpdate: %v", err)
	}
	if err := h.store.Revert(orig.ID); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	got, _ := h.store.Get(orig.ID)
	if got.Title != "Standup" || got.Status != model.StatusSynced {
		t.Fatalf("expected original content, got %+v", got)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("reverted item still queued")
	}
}

func TestRetryAfterPermanentFailure(t *testing.T) {
	h := newHarness(t, nil)
	item, err := h.store.ApplyLocalCreate(event(work, "bad", "Bad", time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), time.Hour))
	if err != nil {
		t.Fatalf("ApplyLocalCreate: %v", err)
	}
	it, _ := h.queue.Checkout(testNow)
	if _, err := h.queue.RecordPermanentFailure(it.ID, it.Generation, "412 Precondition Failed"); err != nil {
		t.Fatalf("RecordPermanentFailure: %v", err)
	}
	got, _ := h.store.Get(item.Identity)
	if got.Status != model.StatusSyncFailed {
		t.Fatalf("expected sync-failed, got %s", got.Status)
	}
	if err := h.store.Retry(item.Identity); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ = h.store.Get(item.Identity)
	if got.Status != model.StatusPendingCreate {
		t.Fatalf("expected pending-create after retry, got %s", got.Status)
	}
}

func TestDeleteOccurrenceAddsExclusion(t *testing.T) {
	h := newHarness(t, nil)
	orig := standup()
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{orig}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	second := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	item, err := h.store.DeleteOccurrence(orig.ID, second)
	if err != nil {
		t.Fatalf("DeleteOccurrence: %v", err)
	}
	if item.Op != model.OpUpdate || len(item.Payload.ExDates) != 1 {
		t.Fatalf("unexpected item: %+v", item)
	}
	got := h.store.Query(march.From, march.To, nil)
	if len(got) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(got))
	}
	for _, occ := range got {
		if occ.Start.Equal(second) {
			t.Fatalf("excluded occurrence still listed")
		}
	}

	lunch := event(work, "lunch", "Lunch", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), time.Hour)
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{orig, lunch}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.store.DeleteOccurrence(lunch.ID, lunch.Start); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for single event, got %v", err)
	}
}

func TestQueryReportsUncachedRanges(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{standup()}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.store.Reconcile(holidays.ID, model.Window{From: march.From, To: april.To}, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	h.store.Query(march.From, april.To, nil)
	select {
	case m := <-h.store.Misses():
		if m.SourceID != work.ID || !m.From.Equal(april.From) || !m.To.Equal(april.To) {
			t.Fatalf("unexpected miss: %+v", m)
		}
	default:
		t.Fatalf("expected a miss for april")
	}

	// Repeated queries within the dedupe interval do not flood the channel.
	h.store.Query(march.From, april.To, nil)
	select {
	case m := <-h.store.Misses():
		t.Fatalf("duplicate miss: %+v", m)
	default:
	}
}

func TestChangeFeed(t *testing.T) {
	h := newHarness(t, nil)
	changes, cancel := h.store.Subscribe()
	defer cancel()

	if _, err := h.store.Reconcile(work.ID, march, []model.Event{standup()}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	select {
	case c := <-changes:
		if c.Kind != ChangeEvents || c.SourceID != work.ID {
			t.Fatalf("unexpected change: %+v", c)
		}
	default:
		t.Fatalf("expected a change")
	}

	cancel()
	if _, ok := <-changes; ok {
		t.Fatalf("channel should be closed after cancel")
	}
}

func TestFlushAndRestore(t *testing.T) {
	backend := cache.NewMemory()
	dir := t.TempDir()
	h := openHarness(t, dir, backend, &fakeFetcher{})
	orig := standup()
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{orig}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	edited := orig.Clone()
	edited.Title = "Standup (offline edit)"
	if _, err := h.store.ApplyLocalUpdate(edited); err != nil {
		t.Fatalf("ApplyLocalUpdate: %v", err)
	}
	if err := h.store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Simulated restart: a new queue and store over the same files.
	restarted := openHarness(t, dir, backend, &fakeFetcher{})
	if err := restarted.store.Restore(context.Background(), work.ID, holidays.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, ok := restarted.store.Get(orig.ID)
	if !ok || got.Title != edited.Title || got.Status != model.StatusPendingUpdate {
		t.Fatalf("unexpected restored event: %+v", got)
	}
	if occ := restarted.store.Query(march.From, march.To, nil); len(occ) != 5 {
		t.Fatalf("expected restored occurrences, got %d", len(occ))
	}

	restarted.ack(t, "r2")
	got, _ = restarted.store.Get(orig.ID)
	if got.Status != model.StatusSynced || got.Revision != "r2" {
		t.Fatalf("restored item did not settle: %+v", got)
	}
}

func TestVisibilityPersists(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir, nil, &fakeFetcher{})
	if _, err := h.store.Reconcile(work.ID, march, []model.Event{standup()}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := h.store.SetVisibility(work.ID, false); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	if err := h.store.SetColor(work.ID, "#000000"); err != nil {
		t.Fatalf("SetColor: %v", err)
	}
	if got := h.store.Query(march.From, march.To, nil); len(got) != 0 {
		t.Fatalf("hidden source still queried: %d", len(got))
	}

	again := openHarness(t, dir, nil, &fakeFetcher{})
	src, ok := again.store.Source(work.ID)
	if !ok || src.Visible || src.Color != "#000000" {
		t.Fatalf("toggles not re-applied: %+v", src)
	}
	if err := again.store.SetVisibility("nope", true); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}
