package model

import (
	"slices"
	"time"
)

// SourceKind distinguishes writable CalDAV calendars from read-only feeds.
type SourceKind string

const (
	SourceCalDAV SourceKind = "caldav"
	SourceICS    SourceKind = "ics"
)

// CalendarSource is one configured origin of events. Events refer to it by
// ID only; the store keeps the lookup table.
type CalendarSource struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Color string     `json:"color"`
	Kind  SourceKind `json:"kind"`

	Writable bool `json:"writable"`
	Visible  bool `json:"visible"`

	// Account is the configured CalDAV account name (empty for feeds).
	Account string `json:"account,omitempty"`
	// CalendarID is the remote calendar reference: the collection path for
	// CalDAV, the feed id for ICS.
	CalendarID string `json:"calendar_id"`
	URL        string `json:"url,omitempty"`
}

// Identity is the composite key of an event inside the store.
type Identity struct {
	SourceID   string `json:"source_id"`
	CalendarID string `json:"calendar_id"`
	UID        string `json:"uid"`
}

func (id Identity) String() string {
	return id.SourceID + "/" + id.CalendarID + "/" + id.UID
}

type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPendingCreate SyncStatus = "pending-create"
	StatusPendingUpdate SyncStatus = "pending-update"
	StatusPendingDelete SyncStatus = "pending-delete"
	StatusSyncFailed    SyncStatus = "sync-failed"
)

// Pending reports whether a local edit is still waiting for the server.
func (s SyncStatus) Pending() bool {
	return s != StatusSynced && s != ""
}

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// PendingStatus maps a queued operation to the status shown on its event.
func (op Operation) PendingStatus() SyncStatus {
	switch op {
	case OpCreate:
		return StatusPendingCreate
	case OpDelete:
		return StatusPendingDelete
	default:
		return StatusPendingUpdate
	}
}

type Origin string

const (
	OriginMaster     Origin = "master"
	OriginOccurrence Origin = "occurrence"
	OriginSingle     Origin = "single"
)

// Override modifies or cancels one occurrence of a recurring event. It is
// matched against the expanded sequence by RecurrenceID.
type Override struct {
	RecurrenceID time.Time `json:"recurrence_id"`
	Cancelled    bool      `json:"cancelled,omitempty"`

	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Event is the normalized record cached by the store. Recurring events are
// kept as masters; occurrences only exist in query results.
type Event struct {
	ID Identity `json:"id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// Start/End carry their own location. All-day events use midnight UTC
	// of the first day and of the day after the last day.
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TimeZone string    `json:"time_zone,omitempty"`
	AllDay   bool      `json:"all_day,omitempty"`

	RRule     string      `json:"rrule,omitempty"`
	ExDates   []time.Time `json:"exdates,omitempty"`
	Overrides []Override  `json:"overrides,omitempty"`

	Status   SyncStatus `json:"status"`
	Revision string     `json:"revision,omitempty"`
	// Href is the remote resource path, when the server assigned one.
	Href string `json:"href,omitempty"`

	LocalModified time.Time `json:"local_modified,omitempty"`

	// RecurrenceID is set on a modified instance whose master is not part
	// of the source. UID then carries the master UID plus an instance
	// suffix, so such events cannot be written back.
	RecurrenceID time.Time `json:"recurrence_id,omitzero"`
}

func (e Event) Recurring() bool {
	return e.RRule != ""
}

// Detached reports whether e is a lone instance of a recurring series.
func (e Event) Detached() bool {
	return !e.RecurrenceID.IsZero()
}

func (e Event) Origin() Origin {
	if e.Recurring() {
		return OriginMaster
	}
	return OriginSingle
}

// Clone returns a copy that shares no slices with e.
func (e Event) Clone() Event {
	c := e
	c.ExDates = slices.Clone(e.ExDates)
	c.Overrides = slices.Clone(e.Overrides)
	return c
}

// SameContent compares the user-visible fields, ignoring sync metadata.
func (e Event) SameContent(o Event) bool {
	if e.Title != o.Title || e.Description != o.Description || e.Location != o.Location {
		return false
	}
	if !e.Start.Equal(o.Start) || !e.End.Equal(o.End) || e.AllDay != o.AllDay {
		return false
	}
	if e.RRule != o.RRule || len(e.ExDates) != len(o.ExDates) || len(e.Overrides) != len(o.Overrides) {
		return false
	}
	for i := range e.ExDates {
		if !e.ExDates[i].Equal(o.ExDates[i]) {
			return false
		}
	}
	for i := range e.Overrides {
		a, b := e.Overrides[i], o.Overrides[i]
		if !a.RecurrenceID.Equal(b.RecurrenceID) || a.Cancelled != b.Cancelled || a.Title != b.Title ||
			!a.Start.Equal(b.Start) || !a.End.Equal(b.End) || a.Location != b.Location || a.Description != b.Description {
			return false
		}
	}
	return true
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	ID Identity `json:"id"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the original (pre-override) start.
	InstanceKey  string     `json:"instance_key"`
	RecurrenceID time.Time  `json:"recurrence_id"`
	Origin       Origin     `json:"origin"`
	Status       SyncStatus `json:"status"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Color       string `json:"color,omitempty"`

	AllDay bool `json:"all_day"`

	// Start / End are in the display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) Empty() bool {
	return !w.From.Before(w.To)
}

func (w Window) Contains(o Window) bool {
	return !o.From.Before(w.From) && !o.To.After(w.To)
}

// Overlaps reports whether the half-open ranges share at least one instant.
func (w Window) Overlaps(start, end time.Time) bool {
	if !end.After(start) {
		// Zero-length events are treated as instants.
		return !start.Before(w.From) && start.Before(w.To)
	}
	return start.Before(w.To) && end.After(w.From)
}
