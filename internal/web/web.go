package web

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"calsync/internal/config"
	"calsync/internal/eventstore"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/syncq"
)

// Syncer is the part of the orchestrator the API can trigger.
type Syncer interface {
	RefreshAll(ctx context.Context)
	Drain(ctx context.Context) int
}

type Options struct {
	Store  *eventstore.Store
	Queue  *syncq.Queue
	Syncer Syncer
	Config *config.Config
	// Location is the display timezone used to interpret date-only
	// query parameters.
	Location *time.Location
	Now      func() time.Time
}

// Server provides the local HTTP API over the event store.
type Server struct {
	store  *eventstore.Store
	queue  *syncq.Queue
	syncer Syncer
	loc    *time.Location
	now    func() time.Time
	mux    *http.ServeMux

	cfgMu sync.RWMutex
	cfg   *config.Config
}

// NewServer constructs a new Server.
func NewServer(opts Options) *Server {
	s := &Server{
		store:  opts.Store,
		queue:  opts.Queue,
		syncer: opts.Syncer,
		loc:    opts.Location,
		now:    opts.Now,
		cfg:    opts.Config,
		mux:    http.NewServeMux(),
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.registerRoutes()
	return s
}

// SetConfig swaps the configuration used for authentication.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.basicAuthMiddleware(s.mux)
}

// basicAuth returns the configured credentials, or ok=false when auth is
// disabled.
func (s *Server) basicAuth() (user, pass string, ok bool) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return "", "", false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return "", "", false
	}
	return s.cfg.BasicAuth.Username, s.cfg.BasicAuth.Password, true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		username, password, enabled := s.basicAuth()
		if !enabled {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("GET /api/events/{source}/{calendar}/{uid}", s.handleGetEvent)
	s.mux.HandleFunc("PUT /api/events/{source}/{calendar}/{uid}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{source}/{calendar}/{uid}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /api/events/{source}/{calendar}/{uid}/occurrences/delete", s.handleDeleteOccurrence)

	s.mux.HandleFunc("GET /api/sources", s.handleSources)
	s.mux.HandleFunc("POST /api/sources/{source}/visibility", s.handleVisibility)
	s.mux.HandleFunc("POST /api/sources/{source}/color", s.handleColor)

	s.mux.HandleFunc("GET /api/queue", s.handleQueue)
	s.mux.HandleFunc("POST /api/queue/{source}/{calendar}/{uid}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /api/queue/{source}/{calendar}/{uid}/revert", s.handleRevert)

	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/changes", s.handleChanges)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for GET /api/events.
type eventsResponse struct {
	Occurrences     []model.Occurrence `json:"occurrences"`
	RangeStart      time.Time          `json:"range_start"`
	RangeEnd        time.Time          `json:"range_end"`
	DisplayTimeZone string             `json:"display_timezone"`
}

// handleEvents returns expanded occurrences of visible sources.
//
// GET /api/events?from=2026-03-01&to=2026-04-01&source=ID
//   - from/to: RFC 3339 or YYYY-MM-DD in the display timezone
//   - days, backfill: used when from/to are absent (default 7 and 1)
//   - source: may repeat; restricts the result to those sources
//
// Ranges outside the cache return what is known; the missing part is
// loaded in the background and announced on /api/changes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	from, to := today.AddDate(0, 0, -backfill), today.AddDate(0, 0, days)

	var err error
	if v := q.Get("from"); v != "" {
		if from, err = parseTime(v, s.loc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = parseTime(v, s.loc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	occs := s.store.Query(from, to, q["source"])
	writeJSON(w, http.StatusOK, eventsResponse{
		Occurrences:     occs,
		RangeStart:      from,
		RangeEnd:        to,
		DisplayTimeZone: s.loc.String(),
	})
}

func parseTime(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, v, loc)
}

// eventRequest is the editable part of an event.
type eventRequest struct {
	SourceID    string    `json:"source_id"`
	CalendarID  string    `json:"calendar_id,omitempty"`
	UID         string    `json:"uid,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TimeZone    string    `json:"time_zone,omitempty"`
	AllDay      bool      `json:"all_day,omitempty"`
	RRule       string    `json:"rrule,omitempty"`
}

func (req eventRequest) apply(ev *model.Event) {
	ev.Title = req.Title
	ev.Description = req.Description
	ev.Location = req.Location
	ev.Start = req.Start
	ev.End = req.End
	ev.TimeZone = req.TimeZone
	ev.AllDay = req.AllDay
	ev.RRule = req.RRule
}

// itemResponse describes a queued edit.
type itemResponse struct {
	Identity  model.Identity   `json:"identity"`
	Path      string           `json:"path"`
	Op        model.Operation  `json:"op"`
	Status    model.SyncStatus `json:"status"`
	Title     string           `json:"title"`
	Attempts  int              `json:"attempts"`
	NextRetry time.Time        `json:"next_retry"`
	LastError string           `json:"last_error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Server) itemResponse(it syncq.Item) itemResponse {
	return itemResponse{
		Identity:  it.Identity,
		Path:      EventPath(it.Identity),
		Op:        it.Op,
		Status:    s.queue.StatusOf(it),
		Title:     it.Payload.Title,
		Attempts:  it.Attempts,
		NextRetry: it.NextRetry,
		LastError: it.LastError,
		CreatedAt: it.CreatedAt,
	}
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := model.Event{ID: model.Identity{SourceID: req.SourceID, CalendarID: req.CalendarID, UID: req.UID}}
	req.apply(&ev)

	item, err := s.store.ApplyLocalCreate(ev)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	appLog.Info("api event created", "source", item.Identity.SourceID, "uid", item.Identity.UID)
	writeJSON(w, http.StatusCreated, s.itemResponse(item))
}

// EventPath returns the URL path suffix addressing id. Each identity part
// is base64url encoded because calendar ids are collection paths.
func EventPath(id model.Identity) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(id.SourceID)) + "/" +
		enc.EncodeToString([]byte(id.CalendarID)) + "/" +
		enc.EncodeToString([]byte(id.UID))
}

// pathPart decodes one base64url path segment.
func pathPart(r *http.Request, name string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(r.PathValue(name))
	if err != nil {
		return "", fmt.Errorf("invalid %s in path", name)
	}
	return string(b), nil
}

func pathIdentity(r *http.Request) (model.Identity, error) {
	var parts [3]string
	for i, name := range []string{"source", "calendar", "uid"} {
		v, err := pathPart(r, name)
		if err != nil {
			return model.Identity{}, err
		}
		parts[i] = v
	}
	return model.Identity{SourceID: parts[0], CalendarID: parts[1], UID: parts[2]}, nil
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleUpdateEvent replaces the editable fields of an event. Exceptions
// and overrides of a recurring event are kept.
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	req.apply(&ev)

	item, err := s.store.ApplyLocalUpdate(ev)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.itemResponse(item))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := s.store.ApplyLocalDelete(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.itemResponse(item))
}

func (s *Server) handleDeleteOccurrence(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		RecurrenceID time.Time `json:"recurrence_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RecurrenceID.IsZero() {
		writeError(w, http.StatusBadRequest, "recurrence_id is required")
		return
	}
	item, err := s.store.DeleteOccurrence(id, req.RecurrenceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.itemResponse(item))
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Sources())
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	source, err := pathPart(r, "source")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.Visible == nil {
		writeError(w, http.StatusBadRequest, "visible is required")
		return
	}
	if err := s.store.SetVisibility(source, *req.Visible); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleColor(w http.ResponseWriter, r *http.Request) {
	source, err := pathPart(r, "source")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Color string `json:"color"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetColor(source, req.Color); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	items := s.queue.Items()
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, s.itemResponse(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.queueAction(w, r, s.store.Retry)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	s.queueAction(w, r, s.store.Revert)
}

func (s *Server) queueAction(w http.ResponseWriter, r *http.Request, action func(model.Identity) error) {
	id, err := pathIdentity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := action(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh pushes pending edits and then refetches every source.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not running")
		return
	}
	start := time.Now()
	pushed := s.syncer.Drain(r.Context())
	s.syncer.RefreshAll(r.Context())
	appLog.Info("api refresh", "pushed", pushed, "took", time.Since(start).String())
	writeJSON(w, http.StatusOK, map[string]any{
		"pushed":  pushed,
		"sources": s.store.Sources(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var nw *eventstore.NotWritableError
	switch {
	case errors.Is(err, eventstore.ErrNotFound), errors.Is(err, syncq.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, eventstore.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &nw):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, eventstore.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, eventstore.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("api store operation failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
