package ics

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/remote"
)

// vevent is the per-component parse result before overrides are folded into
// their master.
type vevent struct {
	uid       string
	seq       int
	event     model.Event
	cancelled bool

	recurrenceID *time.Time
}

// ParseICS parses an ICS payload into normalized events of src.
//
//   - VEVENTs carrying RECURRENCE-ID are folded into their master's
//     Overrides; STATUS:CANCELLED on such a VEVENT cancels that occurrence.
//   - All-day events are detected from VALUE=DATE or a date-only DTSTART and
//     stored as UTC midnights.
//   - TZID parameters are honored on DTSTART, DTEND, EXDATE and
//     RECURRENCE-ID. Floating times use time.Local.
//   - RRULEs are kept raw; expansion happens in the recur package.
//
// A payload that cannot be parsed at all returns an error wrapping
// remote.ErrMalformed. Individual broken VEVENTs are logged and skipped.
func ParseICS(src model.CalendarSource, body []byte) ([]model.Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("empty ICS body: %w", remote.ErrMalformed)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("parse calendar: %v: %w", err, remote.ErrMalformed)
	}

	parsed := make([]vevent, 0)
	for _, comp := range cal.Events() {
		ve, perr := parseVEvent(src, comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		parsed = append(parsed, ve)
	}

	events := fold(src, parsed)
	appLog.Debug("ics parse completed", "id", src.ID, "event_count", len(events))
	return events, nil
}

// fold attaches RECURRENCE-ID components to their master. Overrides whose
// master is absent are kept as standalone events keyed by uid and instance.
func fold(src model.CalendarSource, parsed []vevent) []model.Event {
	masters := make(map[string]*model.Event)
	order := make([]string, 0)
	seqs := make(map[string]int)

	for _, ve := range parsed {
		if ve.recurrenceID != nil {
			continue
		}
		if ve.cancelled {
			continue
		}
		if _, dup := masters[ve.uid]; dup {
			if ve.seq < seqs[ve.uid] {
				continue
			}
			appLog.Warn("ics duplicate UID, keeping highest SEQUENCE", "id", src.ID, "uid", ve.uid)
		} else {
			order = append(order, ve.uid)
		}
		ev := ve.event
		masters[ve.uid] = &ev
		seqs[ve.uid] = ve.seq
	}

	orphans := make([]model.Event, 0)
	for _, ve := range parsed {
		if ve.recurrenceID == nil {
			continue
		}
		o := model.Override{
			RecurrenceID: *ve.recurrenceID,
			Cancelled:    ve.cancelled,
			Title:        ve.event.Title,
			Description:  ve.event.Description,
			Location:     ve.event.Location,
			Start:        ve.event.Start,
			End:          ve.event.End,
		}
		if m, ok := masters[ve.uid]; ok && m.Recurring() {
			m.Overrides = append(m.Overrides, o)
			continue
		}
		if ve.cancelled {
			continue
		}
		ev := ve.event
		ev.ID.UID = ve.uid + "#" + instanceKey(*ve.recurrenceID, ev.AllDay)
		ev.RecurrenceID = *ve.recurrenceID
		orphans = append(orphans, ev)
	}

	out := make([]model.Event, 0, len(order)+len(orphans))
	for _, uid := range order {
		ev := masters[uid]
		sort.Slice(ev.Overrides, func(i, j int) bool {
			return ev.Overrides[i].RecurrenceID.Before(ev.Overrides[j].RecurrenceID)
		})
		out = append(out, *ev)
	}
	out = append(out, orphans...)
	for i := range out {
		out[i].Revision = ContentHash(out[i])
	}
	return out
}

func parseVEvent(src model.CalendarSource, ve *ical.VEvent) (vevent, error) {
	var out vevent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.uid = strings.TrimSpace(uidProp.Value)

	// SEQUENCE (optional, used to pick between duplicate masters)
	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.seq = n
		}
	}

	ev := model.Event{
		ID:     model.Identity{SourceID: src.ID, CalendarID: src.CalendarID, UID: out.uid},
		Status: model.StatusSynced,
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = unescapeText(p.Value)
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtStartProp.Value, dtStartProp.ICalParameters)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	ev.Start = start
	ev.AllDay = allDay
	if tz := param(dtStartProp.ICalParameters, "TZID"); tz != "" && !allDay {
		if _, lerr := time.LoadLocation(tz); lerr == nil {
			ev.TimeZone = tz
		}
	}

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, _, err := propTime(p.Value, p.ICalParameters)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		ev.End = end
	case ve.GetProperty(ical.ComponentProperty("DURATION")) != nil:
		d, err := parseDuration(ve.GetProperty(ical.ComponentProperty("DURATION")).Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		ev.End = ev.Start.Add(d)
	case allDay:
		ev.End = ev.Start.AddDate(0, 0, 1)
	default:
		ev.End = ev.Start
	}
	if ev.End.Before(ev.Start) {
		ev.End = ev.Start
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		ev.RRule = strings.TrimPrefix(strings.TrimSpace(rruleProp.Value), "RRULE:")
	}

	// EXDATE can appear multiple times, each with a comma separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := propTime(part, p.ICalParameters); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	sort.Slice(ev.ExDates, func(i, j int) bool { return ev.ExDates[i].Before(ev.ExDates[j]) })

	if ridProp := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); ridProp != nil {
		t, _, err := propTime(ridProp.Value, ridProp.ICalParameters)
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.recurrenceID = &t
	}

	if p := ve.GetProperty(ical.ComponentProperty("STATUS")); p != nil {
		out.cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	out.event = ev
	return out, nil
}

// propTime parses a DATE or DATE-TIME value with its parameters. Dates are
// returned as UTC midnight with allDay set.
func propTime(v string, params map[string][]string) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.EqualFold(param(params, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], time.UTC)
		return t, true, err
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	loc := time.Local
	if tz := param(params, "TZID"); tz != "" {
		if l, err := time.LoadLocation(strings.Trim(tz, `"`)); err == nil {
			loc = l
		} else {
			appLog.Debug("ics unknown TZID, treating as local", "tzid", tz)
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}

func param(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

var durationRe = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration handles the RFC 5545 DURATION value form (e.g. PT1H30M, P1D).
func parseDuration(v string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(v string) string {
	return textUnescaper.Replace(v)
}

func instanceKey(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("20060102")
	}
	return t.UTC().Format("20060102T150405Z")
}

// ContentHash is the revision used for sources that do not expose ETags.
func ContentHash(ev model.Event) string {
	c := ev.Clone()
	c.Revision = ""
	c.Status = ""
	c.Href = ""
	c.LocalModified = time.Time{}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
