package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"calsync/internal/config"
	"calsync/internal/eventstore"
	"calsync/internal/model"
	"calsync/internal/recur"
	"calsync/internal/syncq"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

var (
	work = model.CalendarSource{
		ID: "caldav:work:/cal/home/", Name: "Home", Kind: model.SourceCalDAV,
		Writable: true, Visible: true, Account: "work", CalendarID: "/cal/home/",
	}
	holidays = model.CalendarSource{
		ID: "ics:holidays", Name: "Holidays", Kind: model.SourceICS,
		Visible: true, CalendarID: "holidays",
	}
)

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, model.CalendarSource, time.Time, time.Time) ([]model.Event, error) {
	return nil, nil
}

type fakeSyncer struct {
	mu        sync.Mutex
	refreshes int
	drains    int
}

func (f *fakeSyncer) RefreshAll(context.Context) {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
}

func (f *fakeSyncer) Drain(context.Context) int {
	f.mu.Lock()
	f.drains++
	f.mu.Unlock()
	return 0
}

type testServer struct {
	*httptest.Server
	store  *eventstore.Store
	queue  *syncq.Queue
	syncer *fakeSyncer
	srv    *Server
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	dir := t.TempDir()
	clock := func() time.Time { return testNow }
	q, err := syncq.Open(filepath.Join(dir, "queue.json"), syncq.DefaultPolicy(), syncq.WithClock(clock))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	store, err := eventstore.New(eventstore.Options{
		Fetcher:   nopFetcher{},
		Queue:     q,
		Expander:  recur.New(time.UTC),
		StateFile: filepath.Join(dir, "state.json"),
		Now:       clock,
	})
	if err != nil {
		t.Fatalf("eventstore.New: %v", err)
	}
	store.ApplySources([]model.CalendarSource{work, holidays})
	for _, src := range []model.CalendarSource{work, holidays} {
		if err := store.LoadWindow(context.Background(), src.ID, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)); err != nil {
			t.Fatalf("LoadWindow: %v", err)
		}
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	syncer := &fakeSyncer{}
	srv := NewServer(Options{Store: store, Queue: q, Syncer: syncer, Config: cfg, Location: time.UTC, Now: clock})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, queue: q, syncer: syncer, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func lunch(uid string) eventRequest {
	start := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)
	return eventRequest{SourceID: work.ID, UID: uid, Title: "Lunch", Start: start, End: start.Add(time.Hour)}
}

func TestHealthBypassesBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	ts := newTestServer(t, cfg)

	if resp := ts.do(t, http.MethodGet, "/health", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/sources", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sources", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("authorized request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", resp.StatusCode)
	}

	// Dropping the credentials on reload disables auth.
	ts.srv.SetConfig(config.DefaultConfig())
	if resp := ts.do(t, http.MethodGet, "/api/sources", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected auth disabled after reload, got %d", resp.StatusCode)
	}
}

func TestCreateAndQueryEvent(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/events", lunch("lunch"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	item := decode[itemResponse](t, resp)
	if item.Status != model.StatusPendingCreate || item.Identity.CalendarID != work.CalendarID {
		t.Fatalf("unexpected item %+v", item)
	}

	resp = ts.do(t, http.MethodGet, "/api/events?from=2026-03-16&to=2026-03-17", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query: %d", resp.StatusCode)
	}
	got := decode[eventsResponse](t, resp)
	if len(got.Occurrences) != 1 || got.Occurrences[0].Title != "Lunch" || got.Occurrences[0].Status != model.StatusPendingCreate {
		t.Fatalf("unexpected occurrences %+v", got.Occurrences)
	}

	resp = ts.do(t, http.MethodGet, "/api/queue", nil)
	queue := decode[[]itemResponse](t, resp)
	if len(queue) != 1 || queue[0].Path != item.Path {
		t.Fatalf("unexpected queue %+v", queue)
	}

	resp = ts.do(t, http.MethodGet, "/api/events/"+item.Path, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get event: %d", resp.StatusCode)
	}
	if ev := decode[model.Event](t, resp); ev.Title != "Lunch" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestEventErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	missing := EventPath(model.Identity{SourceID: work.ID, CalendarID: work.CalendarID, UID: "nope"})

	readOnly := lunch("x")
	readOnly.SourceID = holidays.ID
	endBeforeStart := lunch("y")
	endBeforeStart.End = endBeforeStart.Start.Add(-time.Hour)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"read-only source", http.MethodPost, "/api/events", readOnly, http.StatusForbidden},
		{"unknown source", http.MethodPost, "/api/events", eventRequest{SourceID: "nowhere", Start: testNow, End: testNow}, http.StatusNotFound},
		{"end before start", http.MethodPost, "/api/events", endBeforeStart, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/events", map[string]any{"colour": "red"}, http.StatusBadRequest},
		{"update missing", http.MethodPut, "/api/events/" + missing, lunch(""), http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/api/events/" + missing, nil, http.StatusNotFound},
		{"bad path encoding", http.MethodDelete, "/api/events/!!/!!/!!", nil, http.StatusBadRequest},
		{"retry without item", http.MethodPost, "/api/queue/" + missing + "/retry", nil, http.StatusNotFound},
		{"bad range", http.MethodGet, "/api/events?from=2026-03-10&to=2026-03-01", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestUpdateDeleteAndRevert(t *testing.T) {
	ts := newTestServer(t, nil)
	item := decode[itemResponse](t, ts.do(t, http.MethodPost, "/api/events", lunch("lunch")))

	upd := lunch("")
	upd.Title = "Long lunch"
	upd.End = upd.Start.Add(2 * time.Hour)
	resp := ts.do(t, http.MethodPut, "/api/events/"+item.Path, upd)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d", resp.StatusCode)
	}
	ev, _ := ts.store.Get(item.Identity)
	if ev.Title != "Long lunch" || ev.Status != model.StatusPendingCreate {
		t.Fatalf("update not applied to pending create: %+v", ev)
	}

	resp = ts.do(t, http.MethodPost, "/api/queue/"+item.Path+"/revert", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revert: %d", resp.StatusCode)
	}
	if _, ok := ts.store.Get(item.Identity); ok {
		t.Fatalf("reverted create should be gone")
	}
	if ts.queue.Len() != 0 {
		t.Fatalf("queue not empty after revert")
	}

	item = decode[itemResponse](t, ts.do(t, http.MethodPost, "/api/events", lunch("again")))
	resp = ts.do(t, http.MethodDelete, "/api/events/"+item.Path, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if _, ok := ts.store.Get(item.Identity); ok || ts.queue.Len() != 0 {
		t.Fatalf("deleting an unsynced create should drop it entirely")
	}
}

func TestDeleteOccurrence(t *testing.T) {
	ts := newTestServer(t, nil)
	weekly := lunch("weekly")
	weekly.RRule = "FREQ=WEEKLY;COUNT=4"
	item := decode[itemResponse](t, ts.do(t, http.MethodPost, "/api/events", weekly))

	body := map[string]time.Time{"recurrence_id": weekly.Start.AddDate(0, 0, 7)}
	resp := ts.do(t, http.MethodPost, "/api/events/"+item.Path+"/occurrences/delete", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete occurrence: %d", resp.StatusCode)
	}
	got := decode[eventsResponse](t, ts.do(t, http.MethodGet, "/api/events?from=2026-03-01&to=2026-05-01", nil))
	if len(got.Occurrences) != 3 {
		t.Fatalf("expected 3 remaining occurrences, got %d", len(got.Occurrences))
	}
}

func TestSourceVisibilityAndColor(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/api/events", lunch("lunch"))
	source := base64.RawURLEncoding.EncodeToString([]byte(work.ID))

	resp := ts.do(t, http.MethodPost, "/api/sources/"+source+"/visibility", map[string]bool{"visible": false})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("visibility: %d", resp.StatusCode)
	}
	got := decode[eventsResponse](t, ts.do(t, http.MethodGet, "/api/events?from=2026-03-16&to=2026-03-17", nil))
	if len(got.Occurrences) != 0 {
		t.Fatalf("hidden source still listed: %+v", got.Occurrences)
	}

	resp = ts.do(t, http.MethodPost, "/api/sources/"+source+"/color", map[string]string{"color": "#ff8800"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("color: %d", resp.StatusCode)
	}
	sources := decode[[]eventstore.SourceInfo](t, ts.do(t, http.MethodGet, "/api/sources", nil))
	for _, s := range sources {
		if s.ID == work.ID && (s.Color != "#ff8800" || s.Visible) {
			t.Fatalf("source prefs not applied: %+v", s.CalendarSource)
		}
	}

	if resp := ts.do(t, http.MethodPost, "/api/sources/"+source+"/visibility", map[string]any{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing visible flag: %d", resp.StatusCode)
	}
}

func TestRefreshTriggersSync(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodPost, "/api/refresh", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d", resp.StatusCode)
	}
	ts.syncer.mu.Lock()
	defer ts.syncer.mu.Unlock()
	if ts.syncer.refreshes != 1 || ts.syncer.drains != 1 {
		t.Fatalf("expected one refresh and one drain, got %d/%d", ts.syncer.refreshes, ts.syncer.drains)
	}
}

func TestChangeStream(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/changes", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if _, err := ts.store.ApplyLocalCreate(model.Event{ID: model.Identity{SourceID: work.ID}, Title: "Call", Start: testNow, End: testNow.Add(time.Hour)}); err != nil {
		t.Fatalf("ApplyLocalCreate: %v", err)
	}
	var change eventstore.Change
	if err := wsjson.Read(ctx, conn, &change); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if change.SourceID != work.ID || change.Identity == nil {
		t.Fatalf("unexpected change %+v", change)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
