// Package recur expands recurring events into concrete occurrences inside a
// bounded window.
package recur

import (
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	defaultMaxOccurrences = 5000
	// defaultMaxScan bounds how many raw rule instants are walked before the
	// window is reached (e.g. a SECONDLY rule started years ago).
	defaultMaxScan = 500000
)

// Expander turns events into occurrences normalized into a display zone.
type Expander struct {
	// Location is the display timezone. If nil, time.Local is used.
	Location *time.Location

	// MaxOccurrences caps the occurrences produced per event and window.
	MaxOccurrences int
	MaxScan        int
}

func New(loc *time.Location) *Expander {
	return &Expander{Location: loc}
}

func (x *Expander) location() *time.Location {
	if x == nil || x.Location == nil {
		return time.Local
	}
	return x.Location
}

func (x *Expander) maxOccurrences() int {
	if x == nil || x.MaxOccurrences <= 0 {
		return defaultMaxOccurrences
	}
	return x.MaxOccurrences
}

func (x *Expander) maxScan() int {
	if x == nil || x.MaxScan <= 0 {
		return defaultMaxScan
	}
	return x.MaxScan
}

// Sequence is a lazy, finite occurrence sequence for one event and window.
// It holds no iteration state, so All can be ranged over repeatedly.
type Sequence struct {
	x      *Expander
	ev     model.Event
	window model.Window
	set    *rrule.Set
	empty  bool
}

// Expand prepares the occurrences of ev overlapping [from, to). A malformed
// rule yields an empty sequence and a logged diagnostic.
func (x *Expander) Expand(ev model.Event, from, to time.Time) Sequence {
	seq := Sequence{x: x, ev: ev, window: model.Window{From: from, To: to}}
	if seq.window.Empty() {
		seq.empty = true
		return seq
	}
	if !ev.Recurring() {
		return seq
	}

	set, err := buildSet(ev)
	if err != nil {
		appLog.Error("recur: failed to parse RRULE", err, "uid", ev.ID.UID, "rrule", ev.RRule)
		seq.empty = true
		return seq
	}
	seq.set = set
	return seq
}

// Overlaps reports whether ev has at least one occurrence in w.
func (x *Expander) Overlaps(ev model.Event, w model.Window) bool {
	for range x.Expand(ev, w.From, w.To).All() {
		return true
	}
	return false
}

// Collect drains the sequence into a slice.
func (s Sequence) Collect() []model.Occurrence {
	out := make([]model.Occurrence, 0)
	for occ := range s.All() {
		out = append(out, occ)
	}
	return out
}

// All yields occurrences in rule order.
func (s Sequence) All() iter.Seq[model.Occurrence] {
	return func(yield func(model.Occurrence) bool) {
		if s.empty {
			return
		}
		if s.set == nil {
			s.single(yield)
			return
		}
		s.recurring(yield)
	}
}

func (s Sequence) single(yield func(model.Occurrence) bool) {
	start, end := s.bounds(s.ev.Start, s.ev.End, allDaySpan(s.ev))
	if !s.window.Overlaps(start, end) {
		return
	}
	occ := s.makeOccurrence(s.ev.Start, start, end, nil)
	occ.Origin = model.OriginSingle
	yield(occ)
}

func (s Sequence) recurring(yield func(model.Occurrence) bool) {
	next := s.set.Iterator()
	dur := s.ev.End.Sub(s.ev.Start)
	if dur < 0 {
		dur = 0
	}
	days := allDaySpan(s.ev)

	produced, scanned := 0, 0
	limit, scanLimit := s.x.maxOccurrences(), s.x.maxScan()
	for {
		orig, ok := next()
		if !ok {
			return
		}
		scanned++
		if scanned > scanLimit {
			appLog.Error("recur: scan limit reached before window end",
				errors.New("max scan reached"), "uid", s.ev.ID.UID, "limit", scanLimit)
			return
		}

		start, end := s.bounds(orig, orig.Add(dur), days)
		if !start.Before(s.window.To) {
			// Rule instants are ordered; nothing later can start inside.
			return
		}

		var override *model.Override
		if o, found := s.findOverride(orig); found {
			if o.Cancelled {
				continue
			}
			override = &o
			start, end = s.bounds(o.Start, o.End, dayCount(o.Start, o.End))
		}
		if !s.window.Overlaps(start, end) {
			continue
		}

		produced++
		if produced > limit {
			appLog.Error("recur: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"), "uid", s.ev.ID.UID, "cap", limit)
			return
		}
		if !yield(s.makeOccurrence(orig, start, end, override)) {
			return
		}
	}
}

// bounds converts raw start/end into display-zone instants. All-day events
// expand on calendar days: the date is re-anchored to midnight in the
// display zone and time-of-day is ignored.
func (s Sequence) bounds(start, end time.Time, days int) (time.Time, time.Time) {
	loc := s.x.location()
	if !s.ev.AllDay {
		return start.In(loc), end.In(loc)
	}
	d := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	return d, d.AddDate(0, 0, days)
}

func (s Sequence) findOverride(orig time.Time) (model.Override, bool) {
	for _, o := range s.ev.Overrides {
		if s.ev.AllDay {
			if sameDate(o.RecurrenceID, orig) {
				return o, true
			}
			continue
		}
		if o.RecurrenceID.Equal(orig) {
			return o, true
		}
	}
	return model.Override{}, false
}

func (s Sequence) makeOccurrence(orig, start, end time.Time, o *model.Override) model.Occurrence {
	occ := model.Occurrence{
		ID:           s.ev.ID,
		RecurrenceID: orig,
		Origin:       model.OriginOccurrence,
		Status:       s.ev.Status,
		Title:        s.ev.Title,
		Description:  s.ev.Description,
		Location:     s.ev.Location,
		AllDay:       s.ev.AllDay,
		Start:        start,
		End:          end,
	}
	if o != nil {
		occ.Title = o.Title
		occ.Description = o.Description
		occ.Location = o.Location
	}
	// InstanceKey: use the original start in UTC as a stable per-instance key.
	if s.ev.AllDay {
		occ.InstanceKey = orig.Format("20060102")
	} else {
		occ.InstanceKey = orig.UTC().Format(time.RFC3339)
	}
	return occ
}

func buildSet(ev model.Event) (*rrule.Set, error) {
	raw := strings.TrimSpace(ev.RRule)
	raw = strings.TrimPrefix(raw, "RRULE:")
	if raw == "" {
		return nil, errors.New("empty rule")
	}
	r, err := rrule.StrToRRule(raw)
	if err != nil {
		return nil, err
	}

	dtstart := ev.Start
	if ev.AllDay {
		dtstart = time.Date(ev.Start.Year(), ev.Start.Month(), ev.Start.Day(), 0, 0, 0, 0, time.UTC)
	} else if loc := eventLocation(ev); loc != nil {
		dtstart = ev.Start.In(loc)
	}
	r.DTStart(dtstart)

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range ev.ExDates {
		if ev.AllDay {
			set.ExDate(time.Date(ex.Year(), ex.Month(), ex.Day(), 0, 0, 0, 0, time.UTC))
			continue
		}
		// Best effort: align EXDATE location with event's start.
		set.ExDate(ex.In(dtstart.Location()))
	}
	return set, nil
}

// eventLocation resolves the stored zone so weekly rules keep their wall
// clock time across DST changes.
func eventLocation(ev model.Event) *time.Location {
	if ev.TimeZone == "" {
		return nil
	}
	loc, err := time.LoadLocation(ev.TimeZone)
	if err != nil {
		return nil
	}
	return loc
}

func allDaySpan(ev model.Event) int {
	return dayCount(ev.Start, ev.End)
}

func dayCount(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	n := int(e.Sub(s).Hours() / 24)
	if n < 1 {
		return 1
	}
	return n
}

func sameDate(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
